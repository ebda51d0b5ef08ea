package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"telecare-backend/internal/database"
)

// PresenceRepository mirrors live room occupancy into Redis so other
// services can see which calls are active and who is in them. The in-memory
// registry remains authoritative; this mirror is advisory and tolerates
// Redis degradation.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func roomKey(callID uuid.UUID) string {
	return fmt.Sprintf("call:room:%s", callID)
}

const liveCallsKey = "calls:live"

// ParticipantJoined records an identity entering a call's room
func (r *PresenceRepository) ParticipantJoined(ctx context.Context, callID, identityID uuid.UUID) error {
	if err := r.client.SafeSAdd(ctx, roomKey(callID), identityID.String()).Err(); err != nil {
		return fmt.Errorf("failed to record participant: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, liveCallsKey, callID.String()).Err(); err != nil {
		return fmt.Errorf("failed to record live call: %w", err)
	}
	return nil
}

// ParticipantLeft records an identity leaving a call's room
func (r *PresenceRepository) ParticipantLeft(ctx context.Context, callID, identityID uuid.UUID) error {
	if err := r.client.SafeSRem(ctx, roomKey(callID), identityID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// RoomClosed clears all mirror state for an emptied room
func (r *PresenceRepository) RoomClosed(ctx context.Context, callID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, roomKey(callID)).Err(); err != nil {
		return fmt.Errorf("failed to clear room: %w", err)
	}
	if err := r.client.SafeSRem(ctx, liveCallsKey, callID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove live call: %w", err)
	}
	return nil
}

// RoomOccupancy returns the mirrored participant count for a call
func (r *PresenceRepository) RoomOccupancy(ctx context.Context, callID uuid.UUID) (int64, error) {
	count, err := r.client.SafeSCard(ctx, roomKey(callID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return count, nil
}

// LiveCalls returns the IDs of calls with at least one mirrored participant
func (r *PresenceRepository) LiveCalls(ctx context.Context) ([]uuid.UUID, error) {
	idStrs, err := r.client.SafeSMembers(ctx, liveCallsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live calls: %w", err)
	}

	callIDs := make([]uuid.UUID, 0, len(idStrs))
	for _, idStr := range idStrs {
		callID, err := uuid.Parse(idStr)
		if err != nil {
			continue // Skip invalid entries
		}
		callIDs = append(callIDs, callID)
	}

	return callIDs, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
