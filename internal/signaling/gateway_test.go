package signaling

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/consult-signaling/internal/auth"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHandleRejectsBadFrames(t *testing.T) {
	h := newHarness(t)
	conn, out := h.connect("doc-1", models.RoleDoctor)

	for _, raw := range []string{`not json`, `{}`, `{"type":"teleport"}`, `{"type":"join-room","payload":"oops"}`} {
		h.gw.Handle(context.Background(), conn, []byte(raw))
	}

	var codes []models.ErrorCode
	for _, f := range out.ofType(models.SignalTypeError) {
		codes = append(codes, errorCode(t, f))
	}
	assert.Equal(t, []models.ErrorCode{
		models.ErrorCodeInvalidData,
		models.ErrorCodeInvalidData,
		models.ErrorCodeInvalidData,
	}, codes)

	roomErrs := out.ofType(models.SignalTypeRoomError)
	require.Len(t, roomErrs, 1)
	assert.Equal(t, models.ErrorCodeInvalidData, errorCode(t, roomErrs[0]))
}

func TestHandleUnknownConnection(t *testing.T) {
	h := newHarness(t)
	_, out := h.connect("doc-1", models.RoleDoctor)
	before := len(out.all())

	h.send("ghost", models.SignalTypePing, nil)
	assert.Len(t, out.all(), before)
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	conn, out := h.connect("doc-1", models.RoleDoctor)
	h.send(conn, models.SignalTypePing, nil)
	assert.Len(t, out.ofType(models.SignalTypePong), 1)
}

func TestLogoutForgetsConnection(t *testing.T) {
	h := newHarness(t)
	doctor, doctorOut := h.connect("doc-1", models.RoleDoctor)
	patient, patientOut := h.connect("pat-1", models.RolePatient)

	h.send(patient, models.SignalTypeLogout, nil)

	assert.True(t, patientOut.isClosed())
	assert.False(t, h.gw.IsOnline("pat-1"))
	presence := doctorOut.ofType(models.SignalTypePresence)
	require.Len(t, presence, 2)
	var p models.PresencePayload
	presence[1].decode(t, &p)
	assert.Equal(t, models.PresenceOffline, p.Status)

	h.send(doctor, models.SignalTypePing, nil)
	assert.Len(t, doctorOut.ofType(models.SignalTypePong), 1)
}

func TestInitiateOutcomeIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	st := store.NewMemoryStore()
	require.NoError(t, st.Put(context.Background(), models.Consultation{
		ID: "C9", DoctorUserID: "doc-1", PatientUserID: "pat-1", Status: models.StatusScheduled,
	}))
	gw := NewGateway(Options{Store: st, Logger: zap.New(core), Clock: clock.NewMock()})
	t.Cleanup(gw.Close)

	doctor := gw.Connect(auth.Identity{UserID: "doc-1", Role: models.RoleDoctor}, &recorder{})
	raw, err := json.Marshal(map[string]any{
		"type":    models.SignalTypeInitiateCall,
		"payload": models.InitiateCallPayload{ConsultationID: "C9", PatientID: "pat-1"},
	})
	require.NoError(t, err)
	gw.Handle(context.Background(), doctor, raw)

	entries := logs.FilterMessage("call not placed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "C9", entries[0].ContextMap()["consultation"])
	assert.Equal(t, ErrPatientOffline.Error(), entries[0].ContextMap()["error"])
}

type roomFixture struct {
	*harness
	roomID                string
	doctor, patient       string
	doctorOut, patientOut *recorder
}

func newRoomFixture(t *testing.T) *roomFixture {
	h := newHarness(t)
	h.consultation("C1", "doc-1", "pat-1", models.StatusAccepted)
	f := &roomFixture{harness: h, roomID: RoomIDFor("C1")}
	f.doctor, f.doctorOut = h.connect("doc-1", models.RoleDoctor)
	f.patient, f.patientOut = h.connect("pat-1", models.RolePatient)
	h.join(f.doctor, f.roomID, "C1")
	h.join(f.patient, f.roomID, "C1")
	return f
}

func TestRelayNegotiation(t *testing.T) {
	f := newRoomFixture(t)
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	f.send(f.doctor, models.SignalTypeOffer, models.RelayPayload{RoomID: f.roomID, Data: sdp})

	offers := f.patientOut.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, f.doctor, offers[0].From)
	assert.Equal(t, f.roomID, offers[0].RoomID)
	assert.JSONEq(t, string(sdp), string(offers[0].Payload))
	assert.Empty(t, f.doctorOut.ofType(models.SignalTypeOffer), "sender is excluded")

	f.send(f.patient, models.SignalTypeAnswer, models.RelayPayload{RoomID: f.roomID, To: f.doctor, Data: sdp})
	assert.Len(t, f.doctorOut.ofType(models.SignalTypeAnswer), 1)

	f.send(f.patient, models.SignalTypeCandidate, models.RelayPayload{RoomID: f.roomID, To: "nobody"})
	errs := f.patientOut.ofType(models.SignalTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ErrorCodeNotFound, errorCode(t, errs[0]))
}

func TestRelayRequiresMembership(t *testing.T) {
	f := newRoomFixture(t)
	outsider, outsiderOut := f.connect("pat-1", models.RolePatient)

	f.send(outsider, models.SignalTypeCandidate, models.RelayPayload{RoomID: f.roomID})

	errs := outsiderOut.ofType(models.SignalTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ErrorCodeUnauthorized, errorCode(t, errs[0]))
	assert.Empty(t, f.doctorOut.ofType(models.SignalTypeCandidate))

	f.send(outsider, models.SignalTypeCandidate, models.RelayPayload{})
	errs = outsiderOut.ofType(models.SignalTypeError)
	require.Len(t, errs, 2)
	assert.Equal(t, models.ErrorCodeInvalidData, errorCode(t, errs[1]))
}

func TestSessionBroadcastPersistsStatus(t *testing.T) {
	f := newRoomFixture(t)

	f.send(f.doctor, models.SignalTypeSessionStarted, models.RelayPayload{RoomID: f.roomID})
	assert.Len(t, f.patientOut.ofType(models.SignalTypeSessionStarted), 1)
	assert.Equal(t, models.StatusOngoing, f.status("C1"))

	f.send(f.patient, models.SignalTypeSessionEnded, models.RelayPayload{RoomID: f.roomID})
	assert.Len(t, f.doctorOut.ofType(models.SignalTypeSessionEnded), 1)
	assert.Equal(t, models.StatusCompleted, f.status("C1"))
}

func TestRoomMessagesArriveInOrder(t *testing.T) {
	f := newRoomFixture(t)

	for i := 0; i < 20; i++ {
		f.send(f.doctor, models.SignalTypeCandidate, models.RelayPayload{
			RoomID: f.roomID,
			Data:   json.RawMessage(`{"seq":` + jsonInt(i) + `}`),
		})
	}

	got := f.patientOut.ofType(models.SignalTypeCandidate)
	require.Len(t, got, 20)
	for i, fr := range got {
		var p struct{ Seq int }
		fr.decode(t, &p)
		assert.Equal(t, i, p.Seq)
	}
}

func TestFullBufferDoesNotStallOthers(t *testing.T) {
	f := newRoomFixture(t)
	f.patientOut.Close()

	f.send(f.doctor, models.SignalTypeOffer, models.RelayPayload{RoomID: f.roomID})
	f.send(f.doctor, models.SignalTypePing, nil)
	assert.Len(t, f.doctorOut.ofType(models.SignalTypePong), 1)
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
