package assignment

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an assignment or delegation.
type State string

const (
	StatePendingApproval State = "pending_approval"
	StateActive          State = "active"
	StateSuspended       State = "suspended"
	StateExpired         State = "expired"
	StateRevoked         State = "revoked"
)

// Role is a named grouping of permission sets with a precedence priority.
type Role struct {
	ID               uuid.UUID
	Type             string
	Priority         int
	RequiresApproval bool
	PermissionSetIDs []uuid.UUID
}

// Assignment ties a user to a role over a validity window, optionally gated
// by a recurring schedule. Revocation is a state change, never a delete.
type Assignment struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	RoleID        uuid.UUID
	ScopeEntities []string
	ValidFrom     time.Time
	ValidUntil    *time.Time
	Schedule      *Schedule
	State         State
	GrantedBy     uuid.UUID
	Reason        string
	ApprovedBy    *uuid.UUID
	RevokedBy     *uuid.UUID
	RevokeReason  string
	CreatedAt     time.Time
}

// Delegation is a time-bounded transfer of a role from one user to another.
type Delegation struct {
	ID            uuid.UUID
	FromUser      uuid.UUID
	ToUser        uuid.UUID
	RoleID        uuid.UUID
	ScopeEntities []string
	ValidFrom     time.Time
	ValidUntil    time.Time
	Schedule      *Schedule
	Reason        string
	State         State
	ApprovedBy    *uuid.UUID
	RevokedBy     *uuid.UUID
	RevokeReason  string
	CreatedAt     time.Time
}
