// Package room holds the in-memory authority for which identities are
// currently connected to which call. Rooms are ephemeral: a room exists if
// and only if it has at least one participant, and all mutations go through
// the Registry so that events for a given call are applied one at a time.
package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role of a participant inside a room
type Role string

const (
	RolePatient  Role = "patient"
	RoleDoctor   Role = "doctor"
	RoleSelfTest Role = "self_test"
)

// Quality is the last connection quality a participant reported
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Sender is the opaque handle to a participant's live transport connection.
// SessionID distinguishes connections so that a stale connection cannot
// remove the slot of the connection that superseded it.
type Sender interface {
	SessionID() uuid.UUID
	SendJSON(v interface{}) bool
}

// Participant is one live slot in a room. At most one slot exists per
// identity per room; a second join by the same identity replaces the first.
type Participant struct {
	IdentityID uuid.UUID
	Role       Role
	Conn       Sender
	JoinedAt   time.Time
	Quality    Quality
}

type roomState struct {
	callID       uuid.UUID
	createdAt    time.Time
	participants map[uuid.UUID]*Participant
}

// Registry is the process-local room store. It is an injectable component,
// never a package-level singleton, and is only mutated through Join, Leave
// and SetQuality. The single mutex serializes events per room; mutation
// critical sections never perform I/O.
type Registry struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*roomState

	// identities indexes which room each identity currently occupies.
	// Invariant: identities[id] == callID iff rooms[callID] holds a slot
	// for id. At most one room per identity at a time.
	identities map[uuid.UUID]uuid.UUID
}

// NewRegistry creates an empty room registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:      make(map[uuid.UUID]*roomState),
		identities: make(map[uuid.UUID]uuid.UUID),
	}
}

// JoinResult describes the outcome of inserting a participant
type JoinResult struct {
	// Peers are the other participants already in the room, excluding the joiner
	Peers []Participant
	// Evicted is the superseded connection when the same identity joins
	// twice; nil otherwise
	Evicted Sender
	// Created is true when this join brought the room into existence
	Created bool
	// Displaced reports the identity's forced removal from a different
	// room; nil when the identity held no slot elsewhere
	Displaced *Displacement
}

// Displacement is the removal of an identity's slot from another room when a
// join moves it there. One identity never occupies two rooms, whichever
// connections it holds.
type Displacement struct {
	CallID uuid.UUID
	LeaveResult
}

// Join inserts or replaces the participant slot for p.IdentityID, creating
// the room if this is the first joiner. An identity never occupies two
// rooms: a slot held in any other room is removed and reported as Displaced.
func (r *Registry) Join(callID uuid.UUID, p Participant) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Quality == "" {
		p.Quality = QualityGood
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	res := JoinResult{}

	if prev, ok := r.identities[p.IdentityID]; ok && prev != callID {
		removed := r.removeSlotLocked(prev, p.IdentityID)
		if removed.Removed {
			res.Displaced = &Displacement{CallID: prev, LeaveResult: removed}
		}
	}

	rm, ok := r.rooms[callID]
	if !ok {
		rm = &roomState{
			callID:       callID,
			createdAt:    time.Now(),
			participants: make(map[uuid.UUID]*Participant),
		}
		r.rooms[callID] = rm
		res.Created = true
	}

	if old, ok := rm.participants[p.IdentityID]; ok {
		// Same identity joined again: the new connection supersedes the old
		// one, which must be explicitly evicted.
		if old.Conn != nil && (p.Conn == nil || old.Conn.SessionID() != p.Conn.SessionID()) {
			res.Evicted = old.Conn
		}
	}

	for id, other := range rm.participants {
		if id == p.IdentityID {
			continue
		}
		res.Peers = append(res.Peers, *other)
	}

	slot := p
	rm.participants[p.IdentityID] = &slot
	r.identities[p.IdentityID] = callID

	return res
}

// LeaveResult describes the outcome of removing a participant
type LeaveResult struct {
	// Removed is false when the identity held no slot, or the slot belongs
	// to a different (superseding) connection
	Removed bool
	// Left is the removed slot, valid only when Removed is true
	Left Participant
	// Peers are the participants remaining after removal
	Peers []Participant
	// Emptied is true when the removal deleted the room
	Emptied bool
}

// Leave removes the participant slot for identityID. When conn is non-nil
// the slot is only removed if it is still owned by that connection, which
// makes leave idempotent and keeps a superseded connection's disconnect from
// evicting its successor. An emptied room is deleted from the registry.
func (r *Registry) Leave(callID, identityID uuid.UUID, conn Sender) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[callID]
	if !ok {
		return LeaveResult{}
	}

	slot, ok := rm.participants[identityID]
	if !ok {
		return LeaveResult{}
	}

	if conn != nil && slot.Conn != nil && slot.Conn.SessionID() != conn.SessionID() {
		return LeaveResult{}
	}

	return r.removeSlotLocked(callID, identityID)
}

// removeSlotLocked deletes the identity's slot from the room and the
// identity index. Caller holds the mutex.
func (r *Registry) removeSlotLocked(callID, identityID uuid.UUID) LeaveResult {
	res := LeaveResult{}

	rm, ok := r.rooms[callID]
	if !ok {
		return res
	}
	slot, ok := rm.participants[identityID]
	if !ok {
		return res
	}

	delete(rm.participants, identityID)
	delete(r.identities, identityID)
	res.Removed = true
	res.Left = *slot

	for _, other := range rm.participants {
		res.Peers = append(res.Peers, *other)
	}

	if len(rm.participants) == 0 {
		delete(r.rooms, callID)
		res.Emptied = true
	}

	return res
}

// Peers returns the participants of a room excluding the given identity.
// Returns nil when the room does not exist.
func (r *Registry) Peers(callID, exclude uuid.UUID) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[callID]
	if !ok {
		return nil
	}

	var peers []Participant
	for id, p := range rm.participants {
		if id == exclude {
			continue
		}
		peers = append(peers, *p)
	}
	return peers
}

// SetQuality updates the last reported connection quality for a slot
func (r *Registry) SetQuality(callID, identityID uuid.UUID, q Quality) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[callID]
	if !ok {
		return false
	}
	p, ok := rm.participants[identityID]
	if !ok {
		return false
	}
	p.Quality = q
	return true
}

// Occupancy returns the number of live participants in a call's room
func (r *Registry) Occupancy(callID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[callID]
	if !ok {
		return 0
	}
	return len(rm.participants)
}

// RoomCount returns the number of live rooms
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// RoomInfo is a read-only snapshot of a live room
type RoomInfo struct {
	CallID       uuid.UUID     `json:"call_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Participants []Participant `json:"-"`
}

// Snapshot returns a copy of a room's state for read-only consumers
func (r *Registry) Snapshot(callID uuid.UUID) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[callID]
	if !ok {
		return RoomInfo{}, false
	}

	info := RoomInfo{
		CallID:    rm.callID,
		CreatedAt: rm.createdAt,
	}
	for _, p := range rm.participants {
		info.Participants = append(info.Participants, *p)
	}
	return info, true
}
