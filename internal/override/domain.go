package override

import (
	"time"

	"github.com/google/uuid"
)

// Reason enumerates why break-glass access was triggered.
type Reason string

const (
	ReasonMedicalEmergency Reason = "medical_emergency"
	ReasonSafetyConcern    Reason = "safety_concern"
	ReasonCaregiverAbsent  Reason = "caregiver_absent"
	ReasonSystemRecovery   Reason = "system_recovery"
)

// MaxDurationMinutes bounds an override to one day.
const MaxDurationMinutes = 1440

// Override is a time-boxed break-glass grant. The granted permissions are a
// snapshot taken at activation; later catalog changes do not widen it.
type Override struct {
	ID              uuid.UUID
	TriggeredBy     uuid.UUID
	AffectedUser    uuid.UUID
	Reason          Reason
	Justification   string
	DurationMinutes int
	PermissionIDs   []uuid.UUID
	NotifiedUsers   []uuid.UUID
	ActivatedAt     time.Time
	ExpiresAt       time.Time
	DeactivatedAt   *time.Time
}

// ActiveAt reports whether the override is live at the given instant.
func (o Override) ActiveAt(at time.Time) bool {
	if o.DeactivatedAt != nil {
		return false
	}
	return !at.Before(o.ActivatedAt) && at.Before(o.ExpiresAt)
}

// ValidReason reports whether r is a known trigger reason.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonMedicalEmergency, ReasonSafetyConcern, ReasonCaregiverAbsent, ReasonSystemRecovery:
		return true
	}
	return false
}
