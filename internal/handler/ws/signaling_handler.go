package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telecare-backend/internal/room"
	"telecare-backend/internal/service/call"
	"telecare-backend/pkg/constants"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

// Presence mirrors live room occupancy into a shared store so that other
// subsystems can see which calls are active. Best-effort: failures are
// logged and never affect the room.
type Presence interface {
	ParticipantJoined(ctx context.Context, callID, identityID uuid.UUID) error
	ParticipantLeft(ctx context.Context, callID, identityID uuid.UUID) error
	RoomClosed(ctx context.Context, callID uuid.UUID) error
}

// Hub coordinates signaling WebSocket connections. It owns the transport
// concerns (upgrade, origin check, connection cap, pumps) and drives the
// room registry and call lifecycle through one event at a time per
// connection.
type Hub struct {
	registry *room.Registry
	calls    *call.Service
	presence Presence         // optional
	metrics  *metrics.Metrics // optional

	allowedOrigins map[string]bool
	maxConnections int
	semaphore      chan struct{}
	upgrader       websocket.Upgrader
}

// NewHub creates a signaling hub
func NewHub(registry *room.Registry, calls *call.Service, presence Presence, m *metrics.Metrics, allowedOrigins []string, maxConnections int) *Hub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}

	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	h := &Hub{
		registry:       registry,
		calls:          calls,
		presence:       presence,
		metrics:        m,
		allowedOrigins: origins,
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Require an explicit origin
				return false
			}
			return h.allowedOrigins[origin]
		},
	}

	return h
}

// Session is one authenticated signaling connection. All inbound events for
// a session are processed sequentially by its read loop, so a join always
// precedes signaling from the same connection and a disconnect is processed
// after everything queued before it.
type Session struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	sessionID  uuid.UUID
	identityID uuid.UUID
	role       string

	// currentCall is only touched by the session's own read loop
	currentCall *uuid.UUID

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SessionID implements room.Sender
func (s *Session) SessionID() uuid.UUID {
	return s.sessionID
}

// SendJSON implements room.Sender. The write never blocks: a slow consumer
// whose buffer is full simply misses the message, matching the no-buffering
// relay contract.
func (s *Session) SendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}

	select {
	case <-s.ctx.Done():
		return false
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// ServeWS handles WebSocket upgrade requests for signaling. Authentication
// has already happened in middleware; this runs once per transport
// connection and every subsequent message is scoped to the identity
// established here.
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("signaling connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	identityIDVal, exists := c.Get("identity_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	identityID, ok := identityIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid identity"})
		return
	}
	role := c.GetString("role")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("websocket upgrade failed",
			zap.String("identity_id", identityID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		sessionID:  uuid.New(),
		identityID: identityID,
		role:       role,
		ctx:        ctx,
		cancel:     cancel,
	}

	if h.metrics != nil {
		h.metrics.WebSocketConnected()
	}

	go sess.writePump()
	go sess.readPump()
}

// readPump reads inbound events and processes each to completion before
// admitting the next
func (s *Session) readPump() {
	defer func() {
		s.disconnect()
		<-s.hub.semaphore
		if s.hub.metrics != nil {
			s.hub.metrics.WebSocketDisconnected()
		}
	}()

	s.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket connection closed",
					zap.String("identity_id", s.identityID.String()),
					zap.Error(err))
			}
			break
		}

		s.hub.handleMessage(s, message)
	}
}

// writePump writes queued messages to the WebSocket and keeps the
// connection alive with pings
func (s *Session) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval / 2)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect runs when the transport drops. Treated identically to an
// explicit leave; a fresh context is used so the final record write is not
// cut short by the connection teardown.
func (s *Session) disconnect() {
	if s.currentCall != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		s.hub.handleLeave(ctx, s, *s.currentCall)
		cancel()
	}
	s.close()
}

// handleMessage dispatches one inbound event
func (h *Hub) handleMessage(s *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(s, apperrors.ValidationError("malformed message"))
		return
	}

	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage("inbound", env.Type)
	}

	if env.CallID == uuid.Nil {
		h.sendError(s, apperrors.MissingFieldError("call_id"))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, constants.DefaultTimeout)
	defer cancel()

	switch env.Type {
	case EventJoin:
		h.handleJoin(ctx, s, env.CallID)
	case EventLeave:
		h.handleLeave(ctx, s, env.CallID)
	case EventOffer, EventAnswer:
		if appErr := validateSessionDescription(env.SDP); appErr != nil {
			h.dropSignal(s, env.Type, appErr)
			return
		}
		h.relay(s, env.CallID, Outbound{Type: env.Type, CallID: env.CallID, SDP: env.SDP})
	case EventICECandidate:
		if appErr := validateICECandidate(env.Candidate); appErr != nil {
			h.dropSignal(s, env.Type, appErr)
			return
		}
		h.relay(s, env.CallID, Outbound{Type: env.Type, CallID: env.CallID, Candidate: env.Candidate})
	case EventMediaState:
		if env.Video == nil || env.Audio == nil {
			h.dropSignal(s, env.Type, apperrors.ValidationError("media state requires video and audio flags"))
			return
		}
		h.relay(s, env.CallID, Outbound{Type: env.Type, CallID: env.CallID, Video: env.Video, Audio: env.Audio})
	case EventQuality:
		if appErr := validateQuality(env.Quality); appErr != nil {
			h.dropSignal(s, env.Type, appErr)
			return
		}
		h.registry.SetQuality(env.CallID, s.identityID, room.Quality(env.Quality))
		h.relay(s, env.CallID, Outbound{Type: env.Type, CallID: env.CallID, Quality: env.Quality})
	default:
		h.sendError(s, apperrors.ValidationError("unknown event type: "+env.Type))
	}
}

// handleJoin authorizes the identity against the call record, admits it to
// the room, and notifies both sides. The lifecycle write is awaited before
// the in-memory join commits.
func (h *Hub) handleJoin(ctx context.Context, s *Session, callID uuid.UUID) {
	// At most one active room per identity: joining a second call leaves
	// the first. For this connection that is an explicit leave here; another
	// connection's slot is displaced by the registry join below.
	if s.currentCall != nil && *s.currentCall != callID {
		h.handleLeave(ctx, s, *s.currentCall)
	}

	record, err := h.calls.Authorize(ctx, callID, s.identityID)
	if err != nil {
		h.sendError(s, apperrors.GetAppError(err))
		return
	}

	h.calls.Begin(ctx, record)

	res := h.registry.Join(callID, room.Participant{
		IdentityID: s.identityID,
		Role:       call.RoleFor(record, s.identityID),
		Conn:       s,
	})

	if res.Evicted != nil {
		res.Evicted.SendJSON(Outbound{
			Type:   EventError,
			CallID: callID,
			Error: &ErrorBody{
				Code:    string(apperrors.ErrCodeStateConflict),
				Message: "superseded by a newer connection",
			},
		})
		if old, ok := res.Evicted.(*Session); ok {
			old.close()
		}
	}

	// One room per identity: if another connection held this identity in a
	// different room, that slot was removed by the join and its room must be
	// notified and, when emptied, finalized.
	if res.Displaced != nil {
		d := res.Displaced
		if d.Left.Conn != nil {
			d.Left.Conn.SendJSON(Outbound{
				Type:   EventError,
				CallID: d.CallID,
				Error: &ErrorBody{
					Code:    string(apperrors.ErrCodeStateConflict),
					Message: "removed from call: identity joined another call",
				},
			})
			if old, ok := d.Left.Conn.(*Session); ok && old != s {
				old.close()
			}
		}
		h.finishRemoval(ctx, d.CallID, d.Left, d.Peers, d.Emptied)
	}

	if res.Created && h.metrics != nil {
		h.metrics.RoomOpened()
	}

	s.currentCall = &callID

	peers := make([]PeerInfo, 0, len(res.Peers))
	for _, p := range res.Peers {
		peers = append(peers, peerInfo(p))
	}
	s.SendJSON(Outbound{Type: EventRoomJoined, CallID: callID, Peers: peers})

	joined := peerInfoFor(s)
	for _, p := range res.Peers {
		if p.Conn != nil {
			p.Conn.SendJSON(Outbound{Type: EventUserJoined, CallID: callID, From: &joined})
		}
	}

	if h.presence != nil {
		if err := h.presence.ParticipantJoined(ctx, callID, s.identityID); err != nil {
			logger.Warn("presence mirror update failed",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}

	logger.Info("participant joined call",
		zap.String("call_id", callID.String()),
		zap.String("identity_id", s.identityID.String()),
		zap.Int("peers", len(peers)))
}

// handleLeave removes the participant and finalizes the call when the room
// empties. Idempotent: a second leave or a disconnect after leave is a
// no-op with no duplicate notifications.
func (h *Hub) handleLeave(ctx context.Context, s *Session, callID uuid.UUID) {
	res := h.registry.Leave(callID, s.identityID, s)

	if s.currentCall != nil && *s.currentCall == callID {
		s.currentCall = nil
	}

	if !res.Removed {
		return
	}

	h.finishRemoval(ctx, callID, res.Left, res.Peers, res.Emptied)
}

// finishRemoval runs the shared tail of every participant removal. Explicit
// leaves, transport drops and displacements all end up here: remaining peers
// get user-left, presence is mirrored, and an emptied room finalizes the
// call.
func (h *Hub) finishRemoval(ctx context.Context, callID uuid.UUID, removed room.Participant, peers []room.Participant, emptied bool) {
	left := peerInfo(removed)
	for _, p := range peers {
		if p.Conn != nil {
			p.Conn.SendJSON(Outbound{Type: EventUserLeft, CallID: callID, From: &left})
		}
	}

	if h.presence != nil {
		if err := h.presence.ParticipantLeft(ctx, callID, removed.IdentityID); err != nil {
			logger.Warn("presence mirror update failed",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}

	if !emptied {
		return
	}

	if h.metrics != nil {
		h.metrics.RoomClosed()
	}
	if h.presence != nil {
		if err := h.presence.RoomClosed(ctx, callID); err != nil {
			logger.Warn("presence mirror cleanup failed",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}

	minutes, err := h.calls.Finalize(ctx, callID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeStateConflict) {
			// Already finalized; cleanup is idempotent
			logger.Debug("call already finalized",
				zap.String("call_id", callID.String()))
		} else {
			logger.Warn("call finalization failed",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCallCompleted(minutes)
	}

	logger.Info("call completed",
		zap.String("call_id", callID.String()),
		zap.Int("duration_minutes", minutes))
}

// relay forwards a validated signaling message to every other live
// participant in the room. The payload is opaque: never stored, transformed
// or interpreted. An absent counter-party means silent non-delivery; the
// sender re-negotiates after a fresh join.
func (h *Hub) relay(s *Session, callID uuid.UUID, out Outbound) {
	if s.currentCall == nil || *s.currentCall != callID {
		h.sendError(s, apperrors.AuthorizationError("join the call before signaling"))
		return
	}

	from := peerInfoFor(s)
	out.From = &from

	for _, p := range h.registry.Peers(callID, s.identityID) {
		if p.Conn == nil {
			continue
		}
		if !p.Conn.SendJSON(out) && h.metrics != nil {
			h.metrics.RecordWebSocketError("send_buffer_full")
		}
	}

	if h.metrics != nil {
		h.metrics.RecordSignalingRelayed(out.Type)
		h.metrics.RecordWebSocketMessage("outbound", out.Type)
	}
}

// dropSignal rejects a malformed payload: error to the sender, nothing
// relayed
func (h *Hub) dropSignal(s *Session, msgType string, appErr *apperrors.AppError) {
	if h.metrics != nil {
		h.metrics.RecordSignalingDropped(msgType, string(appErr.Code))
	}
	h.sendError(s, appErr)
}

func (h *Hub) sendError(s *Session, appErr *apperrors.AppError) {
	s.SendJSON(Outbound{
		Type: EventError,
		Error: &ErrorBody{
			Code:    string(appErr.Code),
			Message: appErr.Message,
		},
	})
}

func peerInfo(p room.Participant) PeerInfo {
	return PeerInfo{
		IdentityID: p.IdentityID,
		Role:       string(p.Role),
		Quality:    string(p.Quality),
	}
}

func peerInfoFor(s *Session) PeerInfo {
	info := PeerInfo{IdentityID: s.identityID, Role: s.role}
	if s.currentCall != nil {
		if peers, ok := s.hub.registry.Snapshot(*s.currentCall); ok {
			for _, p := range peers.Participants {
				if p.IdentityID == s.identityID {
					info.Role = string(p.Role)
					info.Quality = string(p.Quality)
				}
			}
		}
	}
	return info
}
