package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Effect states whether a permission grants or forbids its action.
type Effect string

const (
	// EffectAllow grants the action.
	EffectAllow Effect = "allow"
	// EffectDeny forbids the action.
	EffectDeny Effect = "deny"
)

// Scope is the breadth of resources a permission applies to.
type Scope string

const (
	// ScopeOwn covers resources owned by the acting user.
	ScopeOwn Scope = "own"
	// ScopeAssigned covers resources listed on the grant itself.
	ScopeAssigned Scope = "assigned"
	// ScopeGroup covers resources belonging to a group on the grant.
	ScopeGroup Scope = "group"
	// ScopeAll covers every resource of the permission's type.
	ScopeAll Scope = "all"
)

// Permission is an atomic capability. Immutable once referenced by a set.
type Permission struct {
	ID        uuid.UUID
	Resource  string
	Action    string
	Effect    Effect
	Scope     Scope
	CreatedAt time.Time
}

// Matches reports whether the permission covers the given resource type and action.
func (p Permission) Matches(resourceType, action string) bool {
	return p.Resource == resourceType && p.Action == action
}

// PermissionSet is a named, composable bundle of permissions.
// Inheritance across sets forms a DAG maintained through a closure table.
type PermissionSet struct {
	ID          uuid.UUID
	Name        string
	Description string
	ParentIDs   []uuid.UUID
	CreatedAt   time.Time
}

// ValidScope reports whether s is one of the closed scope kinds.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeOwn, ScopeAssigned, ScopeGroup, ScopeAll:
		return true
	}
	return false
}

// ValidEffect reports whether e is allow or deny.
func ValidEffect(e Effect) bool {
	return e == EffectAllow || e == EffectDeny
}
