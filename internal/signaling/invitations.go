package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/consult-signaling/internal/idgen"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultRingTimeout    = 60 * time.Second
	DefaultPersistTimeout = 5 * time.Second
)

// Invitation is one outstanding doctor to patient ring.
type Invitation struct {
	CallID         string
	ConsultationID string
	RoomID         string
	PatientUserID  string
	DoctorUserID   string
	DoctorConnID   string
	DoctorName     string
	CreatedAt      time.Time

	timer *clock.Timer
	// resolving is set once accept, reject or the timer has claimed the
	// invitation. The slot stays occupied until that resolver finishes.
	resolving bool
}

// InitiateRequest is a validated initiate-call from a doctor connection.
type InitiateRequest struct {
	Consultation models.Consultation
	RoomID       string
	DoctorConnID string
	DoctorName   string
}

// CallResponse is a validated accept-call or reject-call from a patient.
type CallResponse struct {
	ConsultationID string
	PatientConnID  string
	PatientUserID  string
	// DoctorConnID is the doctor connection named by the client, if any.
	DoctorConnID string
}

// notifier is implemented by the gateway. Its methods are called with the
// gateway lock held.
type notifier interface {
	sendToConn(connID string, msg models.OutboundMessage) bool
	sendToUser(userID string, msg models.OutboundMessage) int
}

// CallInvitationManager runs the ring / accept / reject / timeout protocol.
// Its pending map and timers are guarded by the gateway lock, the same
// lock that guards room state, so firing and cancelling a timer are
// mutually exclusive.
type CallInvitationManager struct {
	mu             sync.Locker
	conns          *ConnectionRegistry
	out            notifier
	store          store.ConsultationStore
	clock          clock.Clock
	ringTimeout    time.Duration
	persistTimeout time.Duration
	log            *zap.Logger

	pending map[string]*Invitation
}

func newCallInvitationManager(mu sync.Locker, conns *ConnectionRegistry, out notifier, st store.ConsultationStore, clk clock.Clock, ringTimeout, persistTimeout time.Duration, log *zap.Logger) *CallInvitationManager {
	return &CallInvitationManager{
		mu:             mu,
		conns:          conns,
		out:            out,
		store:          st,
		clock:          clk,
		ringTimeout:    ringTimeout,
		persistTimeout: persistTimeout,
		log:            log,
		pending:        make(map[string]*Invitation),
	}
}

// Initiate rings every live connection of the consultation's patient.
// Any invitation already pending for the consultation is superseded. If
// the patient has no live connection the doctor gets call-failed and no
// timer is armed. The stored status is left alone unless a superseded
// ring had set it to RINGING, in which case it becomes MISSED.
func (m *CallInvitationManager) Initiate(ctx context.Context, req InitiateRequest) error {
	c := req.Consultation

	m.mu.Lock()
	superseded := m.cancelLocked(c.ID)
	if !m.conns.IsOnline(c.PatientUserID) {
		m.out.sendToConn(req.DoctorConnID, callFailed(c.ID, ErrPatientOffline))
		m.mu.Unlock()
		if superseded {
			m.persist(ctx, c.ID, models.StatusMissed)
		}
		m.log.Info("call not placed, patient offline",
			zap.String("consultation", c.ID),
			zap.String("patient", c.PatientUserID),
			zap.Bool("superseded", superseded))
		return ErrPatientOffline
	}
	m.mu.Unlock()

	m.persist(ctx, c.ID, models.StatusRinging)

	m.mu.Lock()
	patientConns := m.conns.LookupByUser(c.PatientUserID)
	if len(patientConns) == 0 {
		// the patient dropped while the status write was in flight
		m.out.sendToConn(req.DoctorConnID, callFailed(c.ID, ErrPatientOffline))
		m.mu.Unlock()
		restore := c.Status
		if superseded || restore == models.StatusRinging {
			restore = models.StatusMissed
		}
		m.persist(ctx, c.ID, restore)
		return ErrPatientOffline
	}

	// a concurrent initiate may have armed while the lock was released
	m.cancelLocked(c.ID)

	now := m.clock.Now()
	inv := &Invitation{
		CallID:         idgen.NewCallID(now),
		ConsultationID: c.ID,
		RoomID:         req.RoomID,
		PatientUserID:  c.PatientUserID,
		DoctorUserID:   c.DoctorUserID,
		DoctorConnID:   req.DoctorConnID,
		DoctorName:     req.DoctorName,
		CreatedAt:      now,
	}
	inv.timer = m.clock.AfterFunc(m.ringTimeout, func() { m.expire(inv) })
	m.pending[c.ID] = inv

	for _, connID := range patientConns {
		m.out.sendToConn(connID, inv.message(models.SignalTypeIncomingCall))
	}
	m.out.sendToConn(req.DoctorConnID, inv.message(models.SignalTypeCallRinging))
	m.mu.Unlock()

	m.log.Info("call ringing",
		zap.String("call", inv.CallID),
		zap.String("consultation", c.ID),
		zap.Int("patientConnections", len(patientConns)))
	return nil
}

// Accept resolves the pending invitation as accepted and tells the doctor.
func (m *CallInvitationManager) Accept(ctx context.Context, resp CallResponse) error {
	return m.resolve(ctx, resp, models.StatusAccepted, models.SignalTypeCallAccepted)
}

// Reject resolves the pending invitation as rejected and tells the doctor
// if any doctor connection is reachable.
func (m *CallInvitationManager) Reject(ctx context.Context, resp CallResponse) error {
	return m.resolve(ctx, resp, models.StatusRejected, models.SignalTypeCallRejected)
}

func (m *CallInvitationManager) resolve(ctx context.Context, resp CallResponse, status models.ConsultationStatus, event models.SignalType) error {
	m.mu.Lock()
	inv, ok := m.pending[resp.ConsultationID]
	if ok && inv.PatientUserID != resp.PatientUserID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	if ok && inv.resolving {
		m.mu.Unlock()
		m.ignoreLate(resp.ConsultationID, "", event)
		return nil
	}
	if ok {
		inv.timer.Stop()
		inv.resolving = true
	}
	m.mu.Unlock()

	if !ok {
		// Nothing pending: the ring was never placed here or was lost on
		// restart. Only a consultation still stored as RINGING is resolved;
		// anything else is dropped without telling the doctor.
		c, err := m.find(ctx, resp.ConsultationID)
		if err != nil {
			return err
		}
		if c.PatientUserID != resp.PatientUserID {
			return ErrUnauthorized
		}
		if c.Status != models.StatusRinging {
			m.ignoreLate(c.ID, c.Status, event)
			return nil
		}

		m.mu.Lock()
		if _, busy := m.pending[c.ID]; busy {
			// armed or claimed while the store was read
			m.mu.Unlock()
			m.ignoreLate(c.ID, c.Status, event)
			return nil
		}
		inv = &Invitation{
			ConsultationID: c.ID,
			PatientUserID:  c.PatientUserID,
			DoctorUserID:   c.DoctorUserID,
			DoctorConnID:   resp.DoctorConnID,
			resolving:      true,
		}
		m.pending[c.ID] = inv
		m.mu.Unlock()
	}
	defer m.release(inv)

	m.persist(ctx, inv.ConsultationID, status)

	m.mu.Lock()
	delivered := m.notifyDoctorLocked(inv, inv.message(event))
	m.mu.Unlock()

	m.log.Info("call resolved",
		zap.String("call", inv.CallID),
		zap.String("consultation", inv.ConsultationID),
		zap.String("status", string(status)),
		zap.Int("doctorConnections", delivered))
	return nil
}

// expire runs when a ring timer fires.
func (m *CallInvitationManager) expire(inv *Invitation) {
	m.mu.Lock()
	if m.pending[inv.ConsultationID] != inv || inv.resolving {
		// resolved or superseded before the timer could claim the slot
		m.mu.Unlock()
		return
	}
	inv.resolving = true
	m.mu.Unlock()
	defer m.release(inv)

	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
	defer cancel()

	c, err := m.store.FindByID(ctx, inv.ConsultationID)
	switch {
	case err != nil:
		m.log.Warn("status unreadable at ring timeout, marking missed",
			zap.String("consultation", inv.ConsultationID), zap.Error(err))
	case c.Status != models.StatusRinging:
		m.log.Info("ring timeout after external resolution",
			zap.String("consultation", inv.ConsultationID), zap.String("status", string(c.Status)))
		return
	}

	m.mu.Lock()
	reRung := m.pending[inv.ConsultationID] != inv
	m.mu.Unlock()
	if reRung {
		return
	}

	m.persist(ctx, inv.ConsultationID, models.StatusMissed)

	m.mu.Lock()
	msg := inv.message(models.SignalTypeCallMissed)
	doctors := m.notifyDoctorLocked(inv, msg)
	patients := m.out.sendToUser(inv.PatientUserID, msg)
	m.mu.Unlock()

	m.log.Info("call missed",
		zap.String("call", inv.CallID),
		zap.String("consultation", inv.ConsultationID),
		zap.Int("doctorConnections", doctors),
		zap.Int("patientConnections", patients))
}

// release frees the slot claimed by inv unless a newer ring replaced it.
func (m *CallInvitationManager) release(inv *Invitation) {
	m.mu.Lock()
	if m.pending[inv.ConsultationID] == inv {
		delete(m.pending, inv.ConsultationID)
	}
	m.mu.Unlock()
}

func (m *CallInvitationManager) ignoreLate(consultationID string, status models.ConsultationStatus, event models.SignalType) {
	m.log.Debug("late call response ignored",
		zap.String("consultation", consultationID),
		zap.String("status", string(status)),
		zap.String("response", string(event)))
}

// Pending returns a copy of the invitation pending for consultationID.
func (m *CallInvitationManager) Pending(consultationID string) (Invitation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.pending[consultationID]
	if !ok || inv.resolving {
		return Invitation{}, false
	}
	cp := *inv
	cp.timer = nil
	return cp, true
}

// Close stops every armed timer.
func (m *CallInvitationManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.pending {
		m.cancelLocked(id)
	}
}

// cancelLocked drops the slot for consultationID. It reports whether an
// unclaimed ring was cancelled.
func (m *CallInvitationManager) cancelLocked(consultationID string) bool {
	inv, ok := m.pending[consultationID]
	if !ok {
		return false
	}
	if inv.timer != nil {
		inv.timer.Stop()
	}
	delete(m.pending, consultationID)
	return !inv.resolving
}

// notifyDoctorLocked prefers the connection that placed the call and falls
// back to every live connection of the doctor.
func (m *CallInvitationManager) notifyDoctorLocked(inv *Invitation, msg models.OutboundMessage) int {
	if inv.DoctorConnID != "" {
		if c, ok := m.conns.Lookup(inv.DoctorConnID); ok && c.Identity.UserID == inv.DoctorUserID {
			if m.out.sendToConn(c.ID, msg) {
				return 1
			}
			return 0
		}
	}
	return m.out.sendToUser(inv.DoctorUserID, msg)
}

func (m *CallInvitationManager) find(ctx context.Context, id string) (models.Consultation, error) {
	ctx, cancel := context.WithTimeout(ctx, m.persistTimeout)
	defer cancel()
	c, err := m.store.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Consultation{}, fmt.Errorf("%w: consultation %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Consultation{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return c, nil
}

// persist writes a status change. Failures are logged and swallowed so a
// slow or broken store never holds up the live call flow.
func (m *CallInvitationManager) persist(ctx context.Context, id string, status models.ConsultationStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()
	if err := m.store.SetStatus(ctx, id, status); err != nil {
		m.log.Warn("consultation status not persisted",
			zap.String("consultation", id),
			zap.String("status", string(status)),
			zap.Error(fmt.Errorf("%w: %v", ErrPersistence, err)))
	}
}

func (inv *Invitation) message(t models.SignalType) models.OutboundMessage {
	return models.OutboundMessage{
		Type:   t,
		RoomID: inv.RoomID,
		Payload: models.CallPayload{
			CallID:             inv.CallID,
			ConsultationID:     inv.ConsultationID,
			RoomID:             inv.RoomID,
			DoctorID:           inv.DoctorUserID,
			DoctorName:         inv.DoctorName,
			DoctorConnectionID: inv.DoctorConnID,
			PatientID:          inv.PatientUserID,
		},
	}
}

func callFailed(consultationID string, err error) models.OutboundMessage {
	return models.OutboundMessage{
		Type: models.SignalTypeCallFailed,
		Payload: models.CallFailedPayload{
			ConsultationID: consultationID,
			Code:           codeFor(err),
			Reason:         err.Error(),
		},
	}
}
