package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telecare-backend/internal/domain"
)

// ErrCallNotFound is returned when no call record exists for an id
var ErrCallNotFound = errors.New("call record not found")

// ErrCallTerminal is returned when a write is refused because the record is
// already completed or failed
var ErrCallTerminal = errors.New("call record already terminal")

// CallRepository handles durable call record operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call record in not_started status. Records are
// normally seeded by the booking subsystem; this exists for self-test
// sessions and administrative tooling.
func (r *CallRepository) Create(ctx context.Context, call *domain.CallRecord) error {
	query := `
		INSERT INTO call_records (
			call_id, patient_id, doctor_id, kind, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.PatientID,
		call.DoctorID,
		call.Kind,
		call.Status,
		call.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}

	return nil
}

// GetByID retrieves a call record by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, patient_id, doctor_id, kind, status,
		       started_at, ended_at, duration_minutes, created_at
		FROM call_records
		WHERE call_id = $1
	`

	call := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.PatientID,
		&call.DoctorID,
		&call.Kind,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.DurationMinutes,
		&call.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}

	return call, nil
}

// MarkInProgress flips a not_started record to in_progress and stamps the
// start time. The status guard in the WHERE clause makes the transition
// idempotent: a second join leaves the record untouched.
func (r *CallRepository) MarkInProgress(ctx context.Context, callID uuid.UUID, startTime time.Time) error {
	query := `
		UPDATE call_records
		SET status = 'in_progress',
		    started_at = $2
		WHERE call_id = $1 AND status = 'not_started'
	`

	_, err := r.pool.Exec(ctx, query, callID, startTime)
	if err != nil {
		return fmt.Errorf("failed to mark call in progress: %w", err)
	}

	return nil
}

// MarkCompleted finalizes a record with end time and duration. The status
// guard keeps the transition forward-only and idempotent; not_started is
// accepted so a call whose start write was lost can still be completed.
func (r *CallRepository) MarkCompleted(ctx context.Context, callID uuid.UUID, endTime time.Time, durationMinutes int) error {
	query := `
		UPDATE call_records
		SET status = 'completed',
		    ended_at = $2,
		    duration_minutes = $3
		WHERE call_id = $1 AND status NOT IN ('completed', 'failed')
	`

	_, err := r.pool.Exec(ctx, query, callID, endTime, durationMinutes)
	if err != nil {
		return fmt.Errorf("failed to mark call completed: %w", err)
	}

	return nil
}

// MarkFailed sets a record to the terminal failed status. Only administrative
// correction uses this; no live code path produces failed.
func (r *CallRepository) MarkFailed(ctx context.Context, callID uuid.UUID) error {
	query := `
		UPDATE call_records
		SET status = 'failed'
		WHERE call_id = $1 AND status NOT IN ('completed', 'failed')
	`

	tag, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return fmt.Errorf("failed to mark call failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means either no record or a record the guard skipped
		var status string
		err := r.pool.QueryRow(ctx, `SELECT status FROM call_records WHERE call_id = $1`, callID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCallNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check call status: %w", err)
		}
		return ErrCallTerminal
	}

	return nil
}

// GetUserCalls retrieves call records where the identity is the patient or
// the doctor, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, patient_id, doctor_id, kind, status,
		       started_at, ended_at, duration_minutes, created_at
		FROM call_records
		WHERE patient_id = $1 OR doctor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, identityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallRecord
	for rows.Next() {
		call := &domain.CallRecord{}
		err := rows.Scan(
			&call.CallID,
			&call.PatientID,
			&call.DoctorID,
			&call.Kind,
			&call.Status,
			&call.StartedAt,
			&call.EndedAt,
			&call.DurationMinutes,
			&call.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, nil
}
