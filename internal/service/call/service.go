// Package call implements the authorization and lifecycle rules for live
// calls: who may join a room, and how the durable call record moves through
// not_started -> in_progress -> completed as the room fills and empties.
package call

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/repository/cockroach"
	"telecare-backend/internal/room"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

// Store is the durable call record interface consumed by this service.
// MarkInProgress and MarkCompleted are the only lifecycle writes the live
// path performs; MarkFailed is administrative.
type Store interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	MarkInProgress(ctx context.Context, callID uuid.UUID, startTime time.Time) error
	MarkCompleted(ctx context.Context, callID uuid.UUID, endTime time.Time, durationMinutes int) error
	MarkFailed(ctx context.Context, callID uuid.UUID) error
	GetUserCalls(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// Service handles call authorization and lifecycle business logic
type Service struct {
	store   Store
	metrics *metrics.Metrics // optional
}

// NewService creates a new call service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithMetrics attaches a metrics sink for store write failures
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Authorize loads the call record and decides whether the identity may join
// the call's room. Scheduled calls admit the patient or doctor on record;
// self-test calls admit any authenticated identity.
func (s *Service) Authorize(ctx context.Context, callID, identityID uuid.UUID) (*domain.CallRecord, error) {
	record, err := s.store.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	if record.IsTerminal() {
		return nil, apperrors.StateConflictError("call has already ended")
	}

	if !record.Authorizes(identityID) {
		return nil, apperrors.AuthorizationError("not authorized for this session")
	}

	return record, nil
}

// RoleFor maps an authorized identity to its room role for a record
func RoleFor(record *domain.CallRecord, identityID uuid.UUID) room.Role {
	if identityID == record.PatientID {
		return room.RolePatient
	}
	if record.DoctorID != nil && identityID == *record.DoctorID {
		return room.RoleDoctor
	}
	return room.RoleSelfTest
}

// Begin flips the record from not_started to in_progress and stamps the
// start time. Only the very first join performs the write; the record is
// mutated in memory regardless, so live call continuity never depends on
// store availability.
func (s *Service) Begin(ctx context.Context, record *domain.CallRecord) {
	if record.Status != domain.CallStatusNotStarted {
		return
	}

	now := time.Now().UTC()
	record.Status = domain.CallStatusInProgress
	record.StartedAt = &now

	s.writeWithRetry(ctx, "mark_in_progress", record.CallID, func() error {
		return s.store.MarkInProgress(ctx, record.CallID, now)
	})
}

// Finalize completes the record after its room emptied, computing the call
// duration floored to one minute. Returns StateConflictError when the record
// was already finalized; callers swallow and log it since cleanup must be
// idempotent.
func (s *Service) Finalize(ctx context.Context, callID uuid.UUID) (int, error) {
	record, err := s.store.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			return 0, apperrors.CallNotFoundError()
		}
		return 0, apperrors.DatabaseError(err)
	}

	if record.IsTerminal() {
		return 0, apperrors.StateConflictError("call is already terminal")
	}

	// Finalize only runs after a room emptied, so the call did go live. A
	// record still in not_started means both MarkInProgress attempts failed
	// during join; complete it anyway so the record is not stranded, with
	// the duration floor standing in for the lost start time.
	if record.Status == domain.CallStatusNotStarted {
		logger.Warn("finalizing call with no recorded start",
			zap.String("call_id", callID.String()))
	}

	now := time.Now().UTC()
	minutes := durationMinutes(record.StartedAt, now)

	s.writeWithRetry(ctx, "mark_completed", callID, func() error {
		return s.store.MarkCompleted(ctx, callID, now, minutes)
	})

	return minutes, nil
}

// FailCall sets the record to the terminal failed status. Administrative
// correction only; the live path never produces failed.
func (s *Service) FailCall(ctx context.Context, callID uuid.UUID) error {
	err := s.store.MarkFailed(ctx, callID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			return apperrors.CallNotFoundError()
		}
		if errors.Is(err, cockroach.ErrCallTerminal) {
			return apperrors.StateConflictError("call is already terminal")
		}
		return apperrors.DatabaseError(err)
	}
	return nil
}

// GetCall retrieves a call record
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	record, err := s.store.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return record, nil
}

// GetCallHistory retrieves call records for an identity
func (s *Service) GetCallHistory(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	if limit == 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	records, err := s.store.GetUserCalls(ctx, identityID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return records, nil
}

// writeWithRetry performs a lifecycle write with a single immediate retry.
// Failures are logged as warnings and otherwise ignored: the in-memory room
// always proceeds independently of the durable store.
func (s *Service) writeWithRetry(ctx context.Context, operation string, callID uuid.UUID, fn func() error) {
	err := fn()
	if err != nil {
		err = fn()
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCallStoreWriteError(operation)
		}
		logger.Warn("call record write failed after retry",
			zap.String("operation", operation),
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}
}

// durationMinutes rounds the elapsed call time to minutes with a floor of
// one, so sub-minute calls never record zero.
func durationMinutes(startedAt *time.Time, endedAt time.Time) int {
	if startedAt == nil {
		return 1
	}
	elapsed := endedAt.Sub(*startedAt)
	minutes := int(math.Round(elapsed.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
