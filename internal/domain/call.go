package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus tracks the lifecycle of a scheduled call. It only ever moves
// forward: not_started -> in_progress -> completed. The failed status is
// terminal and reserved for administrative correction.
type CallStatus string

const (
	CallStatusNotStarted CallStatus = "not_started"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// CallKind distinguishes booked appointment calls from self-test sessions
type CallKind string

const (
	// CallKindScheduled binds the call to the patient/doctor pair on record
	CallKindScheduled CallKind = "scheduled"

	// CallKindSelfTest is joinable by any authenticated identity, modeling a
	// single person testing as both roles
	CallKindSelfTest CallKind = "self_test"
)

// CallRecord is the durable entity describing one appointment's call
// lifecycle. It is created by the booking subsystem in not_started; the call
// service owns the lifecycle fields while a call is live.
type CallRecord struct {
	CallID          uuid.UUID  `json:"call_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	DoctorID        *uuid.UUID `json:"doctor_id,omitempty"` // nil for self-test sessions
	Kind            CallKind   `json:"kind"`
	Status          CallStatus `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"` // >= 1 once completed
	CreatedAt       time.Time  `json:"created_at"`
}

// IsTerminal reports whether the record has reached a final status
func (c *CallRecord) IsTerminal() bool {
	return c.Status == CallStatusCompleted || c.Status == CallStatusFailed
}

// Authorizes reports whether the given identity may join this call. A
// scheduled call admits only the patient or doctor on record; a self-test
// call admits any authenticated identity.
func (c *CallRecord) Authorizes(identityID uuid.UUID) bool {
	if c.Kind == CallKindSelfTest {
		return true
	}
	if identityID == c.PatientID {
		return true
	}
	return c.DoctorID != nil && identityID == *c.DoctorID
}
