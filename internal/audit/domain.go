package audit

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades change records.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// CheckRecord captures one authorization decision. Append-only.
type CheckRecord struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Action       string
	ResourceID   string
	ResourceType string
	Allowed      bool
	Reason       string
	Source       string
	RoleID       string
	CacheHit     bool
	CacheTier    string
	Degraded     bool
	Latency      time.Duration
	At           time.Time
}

// ChangeRecord captures one mutation with before/after snapshots. Append-only.
type ChangeRecord struct {
	ID         uuid.UUID
	Entity     string
	EntityID   string
	Action     string
	ActorID    uuid.UUID
	Reason     string
	Before     []byte
	After      []byte
	Severity   Severity
	ApprovedBy *uuid.UUID
	At         time.Time
}
