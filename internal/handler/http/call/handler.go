package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"telecare-backend/internal/room"
	"telecare-backend/internal/service/call"
	"telecare-backend/pkg/constants"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/pagination"
	"telecare-backend/pkg/response"
)

// Handler handles call record HTTP requests
type Handler struct {
	callService *call.Service
	registry    *room.Registry
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service, registry *room.Registry) *Handler {
	return &Handler{
		callService: callService,
		registry:    registry,
	}
}

// GetCall retrieves one call record
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	identityID, ok := identityFromContext(c)
	if !ok {
		return
	}

	record, err := h.callService.GetCall(c.Request.Context(), callID)
	if err != nil {
		writeAppError(c, err)
		return
	}

	// Participants and admins only
	if c.GetString("role") != constants.RoleAdmin && !record.Authorizes(identityID) {
		response.Forbidden(c, "Not authorized for this call")
		return
	}

	response.Success(c, http.StatusOK, record)
}

// GetCallHistory lists the authenticated identity's calls, newest first
// GET /v1/calls/history?page=1&limit=20
func (h *Handler) GetCallHistory(c *gin.Context) {
	identityID, ok := identityFromContext(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	records, err := h.callService.GetCallHistory(c.Request.Context(), identityID, params.Limit, params.Offset)
	if err != nil {
		writeAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": records,
		"count": len(records),
		"page":  params.Page,
		"limit": params.Limit,
	})
}

// GetOccupancy reports the live room occupancy for a call
// GET /v1/calls/:id/occupancy
func (h *Handler) GetOccupancy(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	identityID, ok := identityFromContext(c)
	if !ok {
		return
	}

	record, err := h.callService.GetCall(c.Request.Context(), callID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if c.GetString("role") != constants.RoleAdmin && !record.Authorizes(identityID) {
		response.Forbidden(c, "Not authorized for this call")
		return
	}

	info, live := h.registry.Snapshot(callID)
	if !live {
		response.Success(c, http.StatusOK, gin.H{
			"call_id":   callID,
			"live":      false,
			"occupancy": 0,
		})
		return
	}

	participants := make([]gin.H, 0, len(info.Participants))
	for _, p := range info.Participants {
		participants = append(participants, gin.H{
			"identity_id": p.IdentityID,
			"role":        p.Role,
			"quality":     p.Quality,
			"joined_at":   p.JoinedAt,
		})
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id":      callID,
		"live":         true,
		"occupancy":    len(info.Participants),
		"created_at":   info.CreatedAt,
		"participants": participants,
	})
}

// FailCall marks a stuck call as failed. Admin only.
// POST /v1/calls/:id/fail
func (h *Handler) FailCall(c *gin.Context) {
	if c.GetString("role") != constants.RoleAdmin {
		response.Forbidden(c, "Admin access required")
		return
	}

	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	if err := h.callService.FailCall(c.Request.Context(), callID); err != nil {
		writeAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"status":  constants.CallStatusFailed,
	})
}

func parseCallID(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

func identityFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("identity_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid identity")
		return uuid.Nil, false
	}
	return id, true
}

func writeAppError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}
