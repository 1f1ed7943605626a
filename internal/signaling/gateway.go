// Package signaling coordinates presence, two-party consultation rooms and
// the doctor-initiated call invitation protocol. All registry state lives
// behind a single gateway mutex; consultation store calls are made with
// the mutex released.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/consult-signaling/internal/auth"
	"github.com/mossy-p/consult-signaling/internal/idgen"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
	"go.uber.org/zap"
)

type Options struct {
	Store          store.ConsultationStore
	Logger         *zap.Logger
	Clock          clock.Clock
	RingTimeout    time.Duration
	PersistTimeout time.Duration
}

// Gateway is the single entry point for client messages. It is the only
// component that writes to client outboxes.
type Gateway struct {
	mu    sync.Mutex
	conns *ConnectionRegistry
	rooms *RoomRegistry
	calls *CallInvitationManager

	clock clock.Clock
	log   *zap.Logger
}

func NewGateway(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}

	g := &Gateway{
		clock: opts.Clock,
		log:   opts.Logger,
	}
	g.conns = NewConnectionRegistry()
	g.rooms = NewRoomRegistry(g.conns)
	g.calls = newCallInvitationManager(&g.mu, g.conns, g, opts.Store, opts.Clock,
		opts.RingTimeout, opts.PersistTimeout, opts.Logger.Named("calls"))
	return g
}

// Calls exposes the invitation manager for inspection.
func (g *Gateway) Calls() *CallInvitationManager {
	return g.calls
}

// Connect registers an authenticated client and returns its connection id.
// The client receives the current presence list; everyone else learns the
// user is online if this is the user's first connection.
func (g *Gateway) Connect(identity auth.Identity, out Outbox) string {
	id := idgen.NewConnectionID()

	g.mu.Lock()
	c, first := g.conns.Register(id, identity, out, g.clock.Now())

	online := make([]models.PresencePayload, 0)
	for _, p := range g.conns.Online() {
		if p.UserID != identity.UserID {
			online = append(online, p)
		}
	}
	g.sendToConn(id, models.OutboundMessage{
		Type:    models.SignalTypePresenceSnapshot,
		Payload: models.PresenceSnapshotPayload{Online: online},
	})
	if first {
		g.broadcastLocked(g.conns.All(), id, presenceMessage(c, models.PresenceOnline))
	}
	g.mu.Unlock()

	g.log.Info("connection registered",
		zap.String("conn", id),
		zap.String("user", identity.UserID),
		zap.String("role", string(identity.Role)))
	return id
}

// Disconnect forgets the connection, leaving every room it had joined.
// Unknown ids are ignored.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	c := g.forgetLocked(connID)
	g.mu.Unlock()

	if c != nil {
		g.log.Info("connection closed", zap.String("conn", connID), zap.String("user", c.Identity.UserID))
	}
}

// Handle decodes one inbound frame from connID and dispatches it.
func (g *Gateway) Handle(ctx context.Context, connID string, raw []byte) {
	var msg models.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		g.reply(connID, errorMessage(models.SignalTypeError, fmt.Errorf("%w: malformed message", ErrInvalidData)))
		return
	}

	g.mu.Lock()
	c, ok := g.conns.Lookup(connID)
	var identity auth.Identity
	if ok {
		identity = c.Identity
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	var err error
	switch msg.Type {
	case models.SignalTypeIdentify:
		err = g.handleIdentify(connID, msg.Payload)
	case models.SignalTypeJoinRoom:
		if err = g.handleJoinRoom(ctx, connID, msg.Payload); err != nil {
			g.reply(connID, errorMessage(models.SignalTypeRoomError, err))
			err = nil
		}
	case models.SignalTypeLeaveRoom:
		if err = g.handleLeaveRoom(connID, msg.Payload); err != nil {
			g.reply(connID, errorMessage(models.SignalTypeRoomError, err))
			err = nil
		}
	case models.SignalTypeInitiateCall:
		g.handleInitiateCall(ctx, connID, identity, msg.Payload)
	case models.SignalTypeAcceptCall:
		err = g.handleCallResponse(ctx, connID, identity, msg.Payload, g.calls.Accept)
	case models.SignalTypeRejectCall:
		err = g.handleCallResponse(ctx, connID, identity, msg.Payload, g.calls.Reject)
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		_, err = g.relay(connID, msg.Type, msg.Payload)
	case models.SignalTypeSessionStarted:
		err = g.handleSessionBroadcast(ctx, connID, msg.Type, msg.Payload, models.StatusOngoing)
	case models.SignalTypeSessionEnded:
		err = g.handleSessionBroadcast(ctx, connID, msg.Type, msg.Payload, models.StatusCompleted)
	case models.SignalTypePing:
		g.reply(connID, models.OutboundMessage{Type: models.SignalTypePong})
	case models.SignalTypeLogout:
		g.Disconnect(connID)
	default:
		g.log.Debug("unknown message type", zap.String("conn", connID), zap.String("type", string(msg.Type)))
		err = fmt.Errorf("%w: unknown message type %q", ErrInvalidData, msg.Type)
	}

	if err != nil {
		g.reply(connID, errorMessage(models.SignalTypeError, err))
	}
}

func (g *Gateway) handleIdentify(connID string, payload json.RawMessage) error {
	var p models.IdentifyPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		return fmt.Errorf("%w: displayName required", ErrInvalidData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns.Lookup(connID)
	if !ok {
		return nil
	}
	c.Identity.DisplayName = name
	g.broadcastLocked(g.conns.All(), connID, presenceMessage(c, models.PresenceOnline))
	return nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, connID string, payload json.RawMessage) error {
	var p models.JoinRoomPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	consultationID := strings.TrimSpace(p.ConsultationID)
	roomID := strings.TrimSpace(p.RoomID)
	if consultationID == "" {
		return fmt.Errorf("%w: consultationId required", ErrInvalidData)
	}
	if roomID == "" {
		roomID = RoomIDFor(consultationID)
	}

	consultation, err := g.calls.find(ctx, consultationID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	others, err := g.rooms.Join(roomID, consultationID, connID, consultation.IsParty, g.replaceLocked)
	if err != nil {
		g.log.Info("room join refused",
			zap.String("conn", connID), zap.String("room", roomID), zap.Error(err))
		return err
	}

	joiner, _ := g.conns.Lookup(connID)
	members := make([]models.Member, 0, len(others))
	for _, id := range others {
		if m, ok := g.conns.Lookup(id); ok {
			members = append(members, m.member())
		}
	}
	g.sendToConn(connID, models.OutboundMessage{
		Type:    models.SignalTypeRoomMembers,
		RoomID:  roomID,
		Payload: models.RoomMembersPayload{RoomID: roomID, Members: members},
	})
	g.broadcastLocked(others, connID, models.OutboundMessage{
		Type:    models.SignalTypeMemberJoined,
		From:    connID,
		RoomID:  roomID,
		Payload: joiner.member(),
	})

	g.log.Info("room joined",
		zap.String("conn", connID),
		zap.String("room", roomID),
		zap.String("consultation", consultationID),
		zap.Int("members", len(others)+1))
	return nil
}

func (g *Gateway) handleLeaveRoom(connID string, payload json.RawMessage) error {
	var p models.LeaveRoomPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return fmt.Errorf("%w: roomId required", ErrInvalidData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns.Lookup(connID)
	if !ok {
		return nil
	}
	if !g.leaveLocked(c, p.RoomID) {
		return fmt.Errorf("%w: not a member of room %s", ErrNotFound, p.RoomID)
	}
	return nil
}

func (g *Gateway) handleInitiateCall(ctx context.Context, connID string, identity auth.Identity, payload json.RawMessage) {
	var p models.InitiateCallPayload
	err := decode(payload, &p)

	var consultation models.Consultation
	if err == nil && (p.ConsultationID == "" || p.PatientID == "") {
		err = fmt.Errorf("%w: consultationId and patientId required", ErrInvalidData)
	}
	if err == nil && identity.Role != models.RoleDoctor {
		err = fmt.Errorf("%w: only doctors can place calls", ErrUnauthorized)
	}
	if err == nil {
		consultation, err = g.calls.find(ctx, p.ConsultationID)
	}
	if err == nil && consultation.DoctorUserID != identity.UserID {
		err = fmt.Errorf("%w: not the doctor on record", ErrUnauthorized)
	}
	if err == nil && consultation.PatientUserID != p.PatientID {
		err = fmt.Errorf("%w: patient does not match consultation", ErrInvalidData)
	}
	if err != nil {
		g.reply(connID, callFailed(p.ConsultationID, err))
		return
	}

	roomID := p.RoomID
	if roomID == "" {
		roomID = RoomIDFor(consultation.ID)
	}
	name := p.DoctorName
	if name == "" {
		name = identity.DisplayName
	}

	err = g.calls.Initiate(ctx, InitiateRequest{
		Consultation: consultation,
		RoomID:       roomID,
		DoctorConnID: connID,
		DoctorName:   name,
	})
	if err != nil {
		g.log.Debug("call not placed",
			zap.String("conn", connID),
			zap.String("consultation", consultation.ID),
			zap.Error(err))
	}
}

func (g *Gateway) handleCallResponse(ctx context.Context, connID string, identity auth.Identity, payload json.RawMessage, resolve func(context.Context, CallResponse) error) error {
	var p models.CallResponsePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.ConsultationID == "" {
		return fmt.Errorf("%w: consultationId required", ErrInvalidData)
	}
	return resolve(ctx, CallResponse{
		ConsultationID: p.ConsultationID,
		PatientConnID:  connID,
		PatientUserID:  identity.UserID,
		DoctorConnID:   p.DoctorConnectionID,
	})
}

// relay forwards a payload to the other members of a room the sender has
// joined, or to one named member. It returns the room's consultation id.
func (g *Gateway) relay(connID string, t models.SignalType, payload json.RawMessage) (string, error) {
	var p models.RelayPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	if p.RoomID == "" {
		return "", fmt.Errorf("%w: roomId required", ErrInvalidData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.rooms.HasMember(p.RoomID, connID) {
		return "", fmt.Errorf("%w: not a member of room %s", ErrUnauthorized, p.RoomID)
	}
	consultationID, _ := g.rooms.ConsultationOf(p.RoomID)

	msg := models.OutboundMessage{Type: t, From: connID, RoomID: p.RoomID}
	if len(p.Data) > 0 {
		msg.Payload = p.Data
	}

	if p.To != "" {
		if p.To == connID || !g.rooms.HasMember(p.RoomID, p.To) {
			return "", fmt.Errorf("%w: target %s is not in room %s", ErrNotFound, p.To, p.RoomID)
		}
		g.sendToConn(p.To, msg)
		return consultationID, nil
	}
	g.broadcastLocked(g.rooms.Members(p.RoomID), connID, msg)
	return consultationID, nil
}

func (g *Gateway) handleSessionBroadcast(ctx context.Context, connID string, t models.SignalType, payload json.RawMessage, status models.ConsultationStatus) error {
	consultationID, err := g.relay(connID, t, payload)
	if err != nil {
		return err
	}
	g.calls.persist(ctx, consultationID, status)
	return nil
}

// RoomOccupancy reports the current members of a live room.
func (g *Gateway) RoomOccupancy(roomID string) (models.RoomOccupancy, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := g.rooms.Members(roomID)
	if len(ids) == 0 {
		return models.RoomOccupancy{}, false
	}
	out := models.RoomOccupancy{RoomID: roomID, Capacity: RoomCapacity, Members: make([]models.Member, 0, len(ids))}
	for _, id := range ids {
		if c, ok := g.conns.Lookup(id); ok {
			out.Members = append(out.Members, c.member())
		}
	}
	return out, true
}

// IsOnline reports whether userID has at least one live connection.
func (g *Gateway) IsOnline(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns.IsOnline(userID)
}

// Close stops ring timers and closes every client outbox. Clients then
// disconnect through the usual path.
func (g *Gateway) Close() {
	g.calls.Close()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.conns.All() {
		if c, ok := g.conns.Lookup(id); ok {
			c.out.Close()
		}
	}
}

// replaceLocked evicts a stale session of a user who joined again.
func (g *Gateway) replaceLocked(connID string) {
	g.sendToConn(connID, models.OutboundMessage{
		Type:    models.SignalTypeSessionReplaced,
		Payload: models.SessionReplacedPayload{Reason: "session opened elsewhere"},
	})
	if c := g.forgetLocked(connID); c != nil {
		g.log.Info("connection replaced", zap.String("conn", connID), zap.String("user", c.Identity.UserID))
	}
}

func (g *Gateway) forgetLocked(connID string) *Connection {
	c, ok := g.conns.Lookup(connID)
	if !ok {
		return nil
	}
	for _, roomID := range c.Rooms() {
		g.leaveLocked(c, roomID)
	}
	g.conns.Forget(connID)
	if !g.conns.IsOnline(c.Identity.UserID) {
		g.broadcastLocked(g.conns.All(), connID, presenceMessage(c, models.PresenceOffline))
	}
	c.out.Close()
	return c
}

func (g *Gateway) leaveLocked(c *Connection, roomID string) bool {
	remaining, ok := g.rooms.Leave(roomID, c.ID)
	if !ok {
		return false
	}
	g.broadcastLocked(remaining, c.ID, models.OutboundMessage{
		Type:    models.SignalTypeMemberLeft,
		From:    c.ID,
		RoomID:  roomID,
		Payload: c.member(),
	})
	return true
}

func (g *Gateway) reply(connID string, msg models.OutboundMessage) {
	g.mu.Lock()
	g.sendToConn(connID, msg)
	g.mu.Unlock()
}

// sendToConn must be called with g.mu held.
func (g *Gateway) sendToConn(connID string, msg models.OutboundMessage) bool {
	c, ok := g.conns.Lookup(connID)
	if !ok {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		g.log.Error("failed to marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return g.deliver(c, msg.Type, data)
}

// sendToUser must be called with g.mu held.
func (g *Gateway) sendToUser(userID string, msg models.OutboundMessage) int {
	sent := 0
	for _, id := range g.conns.LookupByUser(userID) {
		if g.sendToConn(id, msg) {
			sent++
		}
	}
	return sent
}

func (g *Gateway) broadcastLocked(connIDs []string, exclude string, msg models.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		g.log.Error("failed to marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	for _, id := range connIDs {
		if id == exclude {
			continue
		}
		if c, ok := g.conns.Lookup(id); ok {
			g.deliver(c, msg.Type, data)
		}
	}
}

func (g *Gateway) deliver(c *Connection, t models.SignalType, data []byte) bool {
	if c.out.Deliver(data) {
		return true
	}
	g.log.Warn("failed to send message, buffer full",
		zap.String("conn", c.ID), zap.String("type", string(t)))
	return false
}

func presenceMessage(c *Connection, status string) models.OutboundMessage {
	return models.OutboundMessage{
		Type:    models.SignalTypePresence,
		From:    c.ID,
		Payload: c.presence(status),
	}
}

func errorMessage(t models.SignalType, err error) models.OutboundMessage {
	code := codeFor(err)
	message := err.Error()
	if code == models.ErrorCodeServerError {
		message = "internal server error"
	}
	return models.OutboundMessage{
		Type:    t,
		Payload: models.ErrorPayload{Code: code, Message: message},
	}
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: payload required", ErrInvalidData)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return fmt.Errorf("%w: invalid JSON payload", ErrInvalidData)
		}
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}
