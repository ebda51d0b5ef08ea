package ws

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/repository/cockroach"
	"telecare-backend/internal/room"
	"telecare-backend/internal/service/call"
	"telecare-backend/pkg/constants"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

// fakeStore is an in-memory call record store for hub tests
type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.CallRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uuid.UUID]*domain.CallRecord)}
}

func (f *fakeStore) put(rec *domain.CallRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.CallID] = rec
}

func (f *fakeStore) get(callID uuid.UUID) domain.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[callID]
}

func (f *fakeStore) GetByID(_ context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[callID]
	if !ok {
		return nil, cockroach.ErrCallNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeStore) MarkInProgress(_ context.Context, callID uuid.UUID, startTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[callID]
	if rec.Status == domain.CallStatusNotStarted {
		rec.Status = domain.CallStatusInProgress
		rec.StartedAt = &startTime
	}
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, callID uuid.UUID, endTime time.Time, durationMinutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[callID]
	if !rec.IsTerminal() {
		rec.Status = domain.CallStatusCompleted
		rec.EndedAt = &endTime
		rec.DurationMinutes = durationMinutes
	}
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, callID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[callID].Status = domain.CallStatusFailed
	return nil
}

func (f *fakeStore) GetUserCalls(_ context.Context, _ uuid.UUID, _, _ int) ([]*domain.CallRecord, error) {
	return nil, nil
}

type testEnv struct {
	hub   *Hub
	store *fakeStore
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	return &testEnv{
		hub:   NewHub(room.NewRegistry(), call.NewService(store), nil, nil, nil, 10),
		store: store,
	}
}

func (e *testEnv) session(identityID uuid.UUID, role string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		hub:        e.hub,
		send:       make(chan []byte, 64),
		sessionID:  uuid.New(),
		identityID: identityID,
		role:       role,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (e *testEnv) scheduledCall(patientID, doctorID uuid.UUID) uuid.UUID {
	callID := uuid.New()
	e.store.put(&domain.CallRecord{
		CallID:    callID,
		PatientID: patientID,
		DoctorID:  &doctorID,
		Kind:      domain.CallKindScheduled,
		Status:    domain.CallStatusNotStarted,
		CreatedAt: time.Now(),
	})
	return callID
}

func send(h *Hub, s *Session, env Envelope) {
	raw, _ := json.Marshal(env)
	h.handleMessage(s, raw)
}

func recv(t *testing.T, s *Session) Outbound {
	t.Helper()
	select {
	case raw := <-s.send:
		var out Outbound
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("expected an outbound message")
		return Outbound{}
	}
}

func assertSilent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected outbound message: %s", raw)
	default:
	}
}

func TestJoinFirstParticipant(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	s := env.session(patient, constants.RolePatient)

	send(env.hub, s, Envelope{Type: EventJoin, CallID: callID})

	out := recv(t, s)
	assert.Equal(t, EventRoomJoined, out.Type)
	assert.Equal(t, callID, out.CallID)
	assert.Empty(t, out.Peers)

	rec := env.store.get(callID)
	assert.Equal(t, domain.CallStatusInProgress, rec.Status)
	require.NotNil(t, rec.StartedAt)
}

func TestJoinSecondParticipantNotifiesFirst(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p) // room-joined

	startedAt := env.store.get(callID).StartedAt

	send(env.hub, d, Envelope{Type: EventJoin, CallID: callID})

	out := recv(t, d)
	assert.Equal(t, EventRoomJoined, out.Type)
	require.Len(t, out.Peers, 1)
	assert.Equal(t, patient, out.Peers[0].IdentityID)
	assert.Equal(t, string(room.RolePatient), out.Peers[0].Role)

	note := recv(t, p)
	assert.Equal(t, EventUserJoined, note.Type)
	require.NotNil(t, note.From)
	assert.Equal(t, doctor, note.From.IdentityID)

	// Second join must not restamp the start time
	assert.Equal(t, startedAt, env.store.get(callID).StartedAt)
}

func TestJoinUnauthorizedLeavesRoomUntouched(t *testing.T) {
	env := newTestEnv()
	callID := env.scheduledCall(uuid.New(), uuid.New())
	stranger := env.session(uuid.New(), constants.RolePatient)

	send(env.hub, stranger, Envelope{Type: EventJoin, CallID: callID})

	out := recv(t, stranger)
	assert.Equal(t, EventError, out.Type)
	require.NotNil(t, out.Error)
	assert.Equal(t, string(apperrors.ErrCodeAuthorization), out.Error.Code)

	assert.Equal(t, 0, env.hub.registry.Occupancy(callID))
	assert.Equal(t, domain.CallStatusNotStarted, env.store.get(callID).Status)
}

func TestJoinUnknownCall(t *testing.T) {
	env := newTestEnv()
	s := env.session(uuid.New(), constants.RolePatient)

	send(env.hub, s, Envelope{Type: EventJoin, CallID: uuid.New()})

	out := recv(t, s)
	assert.Equal(t, EventError, out.Type)
	require.NotNil(t, out.Error)
	assert.Equal(t, string(apperrors.ErrCodeCallNotFound), out.Error.Code)
}

func TestJoinCompletedCallRejected(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	env.store.MarkInProgress(context.Background(), callID, time.Now())
	env.store.MarkCompleted(context.Background(), callID, time.Now(), 5)

	s := env.session(patient, constants.RolePatient)
	send(env.hub, s, Envelope{Type: EventJoin, CallID: callID})

	out := recv(t, s)
	assert.Equal(t, EventError, out.Type)
	require.NotNil(t, out.Error)
	assert.Equal(t, string(apperrors.ErrCodeStateConflict), out.Error.Code)
}

func TestSelfTestCallAdmitsAnyIdentity(t *testing.T) {
	env := newTestEnv()
	callID := uuid.New()
	env.store.put(&domain.CallRecord{
		CallID:    callID,
		PatientID: uuid.New(),
		Kind:      domain.CallKindSelfTest,
		Status:    domain.CallStatusNotStarted,
		CreatedAt: time.Now(),
	})

	s := env.session(uuid.New(), constants.RoleDoctor)
	send(env.hub, s, Envelope{Type: EventJoin, CallID: callID})

	out := recv(t, s)
	assert.Equal(t, EventRoomJoined, out.Type)
}

func TestRelayOfferToPeer(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)
	send(env.hub, d, Envelope{Type: EventJoin, CallID: callID})
	recv(t, d)
	recv(t, p) // user-joined

	send(env.hub, p, Envelope{
		Type:   EventOffer,
		CallID: callID,
		SDP:    &SessionDescription{Type: "offer", SDP: "v=0\r\n"},
	})

	out := recv(t, d)
	assert.Equal(t, EventOffer, out.Type)
	require.NotNil(t, out.SDP)
	assert.Equal(t, "v=0\r\n", out.SDP.SDP)
	require.NotNil(t, out.From)
	assert.Equal(t, patient, out.From.IdentityID)

	// The sender must not receive its own signal
	assertSilent(t, p)
}

func TestRelayMalformedOfferDropped(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)
	send(env.hub, d, Envelope{Type: EventJoin, CallID: callID})
	recv(t, d)
	recv(t, p)

	send(env.hub, p, Envelope{
		Type:   EventOffer,
		CallID: callID,
		SDP:    &SessionDescription{Type: "offer"},
	})

	out := recv(t, p)
	assert.Equal(t, EventError, out.Type)
	assertSilent(t, d)
}

func TestRelayBeforeJoinRejected(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)

	send(env.hub, p, Envelope{
		Type:   EventOffer,
		CallID: callID,
		SDP:    &SessionDescription{Type: "offer", SDP: "v=0\r\n"},
	})

	out := recv(t, p)
	assert.Equal(t, EventError, out.Type)
	require.NotNil(t, out.Error)
	assert.Equal(t, string(apperrors.ErrCodeAuthorization), out.Error.Code)
}

func TestRelayWithoutPeersIsSilent(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)

	send(env.hub, p, Envelope{
		Type:      EventICECandidate,
		CallID:    callID,
		Candidate: &ICECandidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host", SDPMLineIndex: uint16Ptr(0), SDPMid: strPtr("0")},
	})

	assertSilent(t, p)
}

func TestMediaStateChangeBroadcast(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)
	send(env.hub, d, Envelope{Type: EventJoin, CallID: callID})
	recv(t, d)
	recv(t, p)

	video, audio := false, true
	send(env.hub, p, Envelope{Type: EventMediaState, CallID: callID, Video: &video, Audio: &audio})

	out := recv(t, d)
	assert.Equal(t, EventMediaState, out.Type)
	require.NotNil(t, out.Video)
	assert.False(t, *out.Video)
	require.NotNil(t, out.Audio)
	assert.True(t, *out.Audio)
}

func TestConnectionQualityBroadcastAndRecorded(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)
	send(env.hub, d, Envelope{Type: EventJoin, CallID: callID})
	recv(t, d)
	recv(t, p)

	send(env.hub, p, Envelope{Type: EventQuality, CallID: callID, Quality: "poor"})

	out := recv(t, d)
	assert.Equal(t, EventQuality, out.Type)
	assert.Equal(t, "poor", out.Quality)

	info, ok := env.hub.registry.Snapshot(callID)
	require.True(t, ok)
	for _, part := range info.Participants {
		if part.IdentityID == patient {
			assert.Equal(t, room.QualityPoor, part.Quality)
		}
	}
}

func TestLeaveNotifiesPeerAndKeepsCallInProgress(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)
	send(env.hub, d, Envelope{Type: EventJoin, CallID: callID})
	recv(t, d)
	recv(t, p)

	send(env.hub, p, Envelope{Type: EventLeave, CallID: callID})

	note := recv(t, d)
	assert.Equal(t, EventUserLeft, note.Type)
	require.NotNil(t, note.From)
	assert.Equal(t, patient, note.From.IdentityID)

	assert.Equal(t, 1, env.hub.registry.Occupancy(callID))
	assert.Equal(t, domain.CallStatusInProgress, env.store.get(callID).Status)
}

func TestLastLeaveFinalizesCall(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)

	send(env.hub, p, Envelope{Type: EventLeave, CallID: callID})

	rec := env.store.get(callID)
	assert.Equal(t, domain.CallStatusCompleted, rec.Status)
	require.NotNil(t, rec.EndedAt)
	assert.GreaterOrEqual(t, rec.DurationMinutes, constants.MinCallDurationMinutes)
	assert.Equal(t, 0, env.hub.registry.RoomCount())
}

func TestDisconnectBehavesLikeLeave(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	p := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)

	send(env.hub, p, Envelope{Type: EventJoin, CallID: callID})
	recv(t, p)
	send(env.hub, d, Envelope{Type: EventJoin, CallID: callID})
	recv(t, d)
	recv(t, p)

	p.disconnect()

	note := recv(t, d)
	assert.Equal(t, EventUserLeft, note.Type)
	assert.Equal(t, domain.CallStatusInProgress, env.store.get(callID).Status)

	d.disconnect()
	assert.Equal(t, domain.CallStatusCompleted, env.store.get(callID).Status)
}

func TestRejoinSupersedesOldConnection(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	callID := env.scheduledCall(patient, doctor)
	old := env.session(patient, constants.RolePatient)
	fresh := env.session(patient, constants.RolePatient)

	send(env.hub, old, Envelope{Type: EventJoin, CallID: callID})
	recv(t, old)

	send(env.hub, fresh, Envelope{Type: EventJoin, CallID: callID})

	evictNote := recv(t, old)
	assert.Equal(t, EventError, evictNote.Type)

	out := recv(t, fresh)
	assert.Equal(t, EventRoomJoined, out.Type)
	assert.Equal(t, 1, env.hub.registry.Occupancy(callID))

	// The stale connection's disconnect must not evict the successor or
	// finalize the call
	old.disconnect()
	assert.Equal(t, 1, env.hub.registry.Occupancy(callID))
	assert.Equal(t, domain.CallStatusInProgress, env.store.get(callID).Status)
}

func TestJoinSecondCallLeavesFirst(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	first := env.scheduledCall(patient, doctor)
	second := env.scheduledCall(patient, doctor)
	s := env.session(patient, constants.RolePatient)

	send(env.hub, s, Envelope{Type: EventJoin, CallID: first})
	recv(t, s)

	send(env.hub, s, Envelope{Type: EventJoin, CallID: second})
	out := recv(t, s)
	assert.Equal(t, EventRoomJoined, out.Type)
	assert.Equal(t, second, out.CallID)

	assert.Equal(t, 0, env.hub.registry.Occupancy(first))
	assert.Equal(t, 1, env.hub.registry.Occupancy(second))
	assert.Equal(t, domain.CallStatusCompleted, env.store.get(first).Status)
}

func TestJoinFromSecondConnectionLeavesFirstCall(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	first := env.scheduledCall(patient, doctor)
	second := env.scheduledCall(patient, doctor)
	oldSess := env.session(patient, constants.RolePatient)
	d := env.session(doctor, constants.RoleDoctor)
	newSess := env.session(patient, constants.RolePatient)

	send(env.hub, oldSess, Envelope{Type: EventJoin, CallID: first})
	recv(t, oldSess)
	send(env.hub, d, Envelope{Type: EventJoin, CallID: first})
	recv(t, d)
	recv(t, oldSess) // user-joined

	// Same identity joins a different call over a brand-new connection
	send(env.hub, newSess, Envelope{Type: EventJoin, CallID: second})

	out := recv(t, newSess)
	assert.Equal(t, EventRoomJoined, out.Type)
	assert.Equal(t, second, out.CallID)

	// The identity holds only the new room
	assert.Equal(t, 0, env.hub.registry.Occupancy(first))
	assert.Equal(t, 1, env.hub.registry.Occupancy(second))

	// Old connection is told it was removed; the remaining peer sees a leave
	evictNote := recv(t, oldSess)
	assert.Equal(t, EventError, evictNote.Type)
	require.NotNil(t, evictNote.Error)
	assert.Equal(t, string(apperrors.ErrCodeStateConflict), evictNote.Error.Code)

	note := recv(t, d)
	assert.Equal(t, EventUserLeft, note.Type)
	require.NotNil(t, note.From)
	assert.Equal(t, patient, note.From.IdentityID)

	// The displaced connection's later disconnect must not touch either room
	oldSess.disconnect()
	assert.Equal(t, 1, env.hub.registry.Occupancy(first))
	assert.Equal(t, 1, env.hub.registry.Occupancy(second))
}

func TestJoinFromSecondConnectionFinalizesEmptiedCall(t *testing.T) {
	env := newTestEnv()
	patient, doctor := uuid.New(), uuid.New()
	first := env.scheduledCall(patient, doctor)
	second := env.scheduledCall(patient, doctor)
	oldSess := env.session(patient, constants.RolePatient)
	newSess := env.session(patient, constants.RolePatient)

	send(env.hub, oldSess, Envelope{Type: EventJoin, CallID: first})
	recv(t, oldSess)

	send(env.hub, newSess, Envelope{Type: EventJoin, CallID: second})
	recv(t, newSess)

	// The identity was the first room's only occupant, so displacing it
	// empties and completes that call
	assert.Equal(t, 0, env.hub.registry.Occupancy(first))
	assert.Equal(t, domain.CallStatusCompleted, env.store.get(first).Status)
	assert.Equal(t, domain.CallStatusInProgress, env.store.get(second).Status)
}

func TestUnknownEventType(t *testing.T) {
	env := newTestEnv()
	s := env.session(uuid.New(), constants.RolePatient)

	send(env.hub, s, Envelope{Type: "shout", CallID: uuid.New()})

	out := recv(t, s)
	assert.Equal(t, EventError, out.Type)
}

func TestMissingCallID(t *testing.T) {
	env := newTestEnv()
	s := env.session(uuid.New(), constants.RolePatient)

	send(env.hub, s, Envelope{Type: EventJoin})

	out := recv(t, s)
	assert.Equal(t, EventError, out.Type)
	require.NotNil(t, out.Error)
	assert.Equal(t, string(apperrors.ErrCodeMissingField), out.Error.Code)
}

func TestMalformedJSON(t *testing.T) {
	env := newTestEnv()
	s := env.session(uuid.New(), constants.RolePatient)

	env.hub.handleMessage(s, []byte("{not json"))

	out := recv(t, s)
	assert.Equal(t, EventError, out.Type)
}
