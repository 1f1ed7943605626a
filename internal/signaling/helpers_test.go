package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/consult-signaling/internal/auth"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// frame is an outbound message as a client would decode it.
type frame struct {
	Type    models.SignalType `json:"type"`
	From    string            `json:"from"`
	RoomID  string            `json:"roomId"`
	Payload json.RawMessage   `json:"payload"`
}

func (f frame) decode(t *testing.T, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Payload, dst))
}

// recorder is an Outbox that keeps every delivered frame.
type recorder struct {
	mu     sync.Mutex
	frames []frame
	closed bool
}

func (r *recorder) Deliver(msg []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return false
	}
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) all() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *recorder) ofType(t models.SignalType) []frame {
	var out []frame
	for _, f := range r.all() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) types() []models.SignalType {
	var out []models.SignalType
	for _, f := range r.all() {
		out = append(out, f.Type)
	}
	return out
}

// flakyStore fails status writes on demand and can park a read.
type flakyStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	failSet bool
	held    *heldRead
}

type heldRead struct {
	entered chan struct{}
	release chan struct{}
}

// holdNextFind makes the next FindByID read its row, signal entered and
// then wait for release to be closed before returning.
func (s *flakyStore) holdNextFind() (entered <-chan struct{}, release chan<- struct{}) {
	h := &heldRead{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.held = h
	s.mu.Unlock()
	return h.entered, h.release
}

func (s *flakyStore) FindByID(ctx context.Context, id string) (models.Consultation, error) {
	c, err := s.MemoryStore.FindByID(ctx, id)
	s.mu.Lock()
	h := s.held
	s.held = nil
	s.mu.Unlock()
	if h != nil {
		close(h.entered)
		<-h.release
	}
	return c, err
}

func (s *flakyStore) SetStatus(ctx context.Context, id string, status models.ConsultationStatus) error {
	s.mu.Lock()
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return s.MemoryStore.SetStatus(ctx, id, status)
}

type harness struct {
	t     *testing.T
	gw    *Gateway
	store *flakyStore
	clock *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	clk := clock.NewMock()
	gw := NewGateway(Options{
		Store:       st,
		Logger:      zap.NewNop(),
		Clock:       clk,
		RingTimeout: DefaultRingTimeout,
	})
	t.Cleanup(gw.Close)
	return &harness{t: t, gw: gw, store: st, clock: clk}
}

func (h *harness) consultation(id, doctor, patient string, status models.ConsultationStatus) {
	h.t.Helper()
	require.NoError(h.t, h.store.Put(context.Background(), models.Consultation{
		ID: id, DoctorUserID: doctor, PatientUserID: patient, Status: status,
	}))
}

func (h *harness) status(id string) models.ConsultationStatus {
	h.t.Helper()
	c, err := h.store.FindByID(context.Background(), id)
	require.NoError(h.t, err)
	return c.Status
}

func (h *harness) connect(userID string, role models.Role) (string, *recorder) {
	out := &recorder{}
	id := h.gw.Connect(auth.Identity{UserID: userID, Role: role, DisplayName: userID}, out)
	return id, out
}

func (h *harness) send(connID string, t models.SignalType, payload any) {
	h.t.Helper()
	msg := map[string]any{"type": t}
	if payload != nil {
		msg["payload"] = payload
	}
	raw, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.gw.Handle(context.Background(), connID, raw)
}

func (h *harness) join(connID, roomID, consultationID string) {
	h.send(connID, models.SignalTypeJoinRoom, models.JoinRoomPayload{RoomID: roomID, ConsultationID: consultationID})
}

// advance moves the mock clock and gives fired timer goroutines a moment.
func (h *harness) advance(d time.Duration) {
	h.clock.Add(d)
	time.Sleep(20 * time.Millisecond)
}

func (h *harness) members(roomID string) []string {
	occ, ok := h.gw.RoomOccupancy(roomID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(occ.Members))
	for _, m := range occ.Members {
		ids = append(ids, m.ConnectionID)
	}
	return ids
}

func errorCode(t *testing.T, f frame) models.ErrorCode {
	t.Helper()
	var p models.ErrorPayload
	f.decode(t, &p)
	return p.Code
}
