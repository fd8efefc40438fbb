package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrMissingPrincipal indicates the request carried no authenticated actor.
	ErrMissingPrincipal = errors.New("missing principal")
)
