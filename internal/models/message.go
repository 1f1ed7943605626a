package models

import "encoding/json"

// SignalType represents the type of a signaling message
type SignalType string

// Inbound message types
const (
	SignalTypeIdentify       SignalType = "identify"
	SignalTypeJoinRoom       SignalType = "join-room"
	SignalTypeLeaveRoom      SignalType = "leave-room"
	SignalTypeInitiateCall   SignalType = "initiate-call"
	SignalTypeAcceptCall     SignalType = "accept-call"
	SignalTypeRejectCall     SignalType = "reject-call"
	SignalTypeOffer          SignalType = "offer"
	SignalTypeAnswer         SignalType = "answer"
	SignalTypeCandidate      SignalType = "candidate"
	SignalTypeSessionStarted SignalType = "session-started"
	SignalTypeSessionEnded   SignalType = "session-ended"
	SignalTypePing           SignalType = "ping"
	SignalTypeLogout         SignalType = "logout"
)

// Outbound message types
const (
	SignalTypePresence         SignalType = "presence"
	SignalTypePresenceSnapshot SignalType = "presence-snapshot"
	SignalTypeRoomError        SignalType = "room-error"
	SignalTypeRoomMembers      SignalType = "room-members"
	SignalTypeMemberJoined     SignalType = "member-joined"
	SignalTypeMemberLeft       SignalType = "member-left"
	SignalTypeSessionReplaced  SignalType = "session-replaced"
	SignalTypeIncomingCall     SignalType = "incoming-call"
	SignalTypeCallRinging      SignalType = "call-ringing"
	SignalTypeCallAccepted     SignalType = "call-accepted"
	SignalTypeCallRejected     SignalType = "call-rejected"
	SignalTypeCallMissed       SignalType = "call-missed"
	SignalTypeCallFailed       SignalType = "call-failed"
	SignalTypeError            SignalType = "error"
	SignalTypePong             SignalType = "pong"
)

// ErrorCode is the wire form of a signaling error
type ErrorCode string

const (
	ErrorCodeInvalidData    ErrorCode = "InvalidData"
	ErrorCodeNotFound       ErrorCode = "NotFound"
	ErrorCodeUnauthorized   ErrorCode = "Unauthorized"
	ErrorCodeRoomFull       ErrorCode = "RoomFull"
	ErrorCodePatientOffline ErrorCode = "PatientOffline"
	ErrorCodeServerError    ErrorCode = "ServerError"
)

// InboundMessage is a frame received from a client. Payload is decoded
// lazily according to Type.
type InboundMessage struct {
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutboundMessage is a frame pushed to a client
type OutboundMessage struct {
	Type    SignalType `json:"type"`
	From    string     `json:"from,omitempty"`
	RoomID  string     `json:"roomId,omitempty"`
	Payload any        `json:"payload,omitempty"`
}

type IdentifyPayload struct {
	DisplayName string `json:"displayName"`
}

type JoinRoomPayload struct {
	RoomID         string `json:"roomId"`
	ConsultationID string `json:"consultationId"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type InitiateCallPayload struct {
	ConsultationID string `json:"consultationId"`
	PatientID      string `json:"patientId"`
	DoctorName     string `json:"doctorName,omitempty"`
	RoomID         string `json:"roomId"`
}

// CallResponsePayload is sent by the patient for accept-call and reject-call.
// DoctorConnectionID is optional; the pending invitation already knows it.
type CallResponsePayload struct {
	ConsultationID     string `json:"consultationId"`
	DoctorConnectionID string `json:"doctorConnectionId,omitempty"`
}

// RelayPayload carries negotiation data (offer/answer/candidate) or a
// session broadcast. Data is forwarded untouched.
type RelayPayload struct {
	RoomID         string          `json:"roomId"`
	ConsultationID string          `json:"consultationId,omitempty"`
	To             string          `json:"to,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type PresencePayload struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status"`
}

type PresenceSnapshotPayload struct {
	Online []PresencePayload `json:"online"`
}

// Member describes one connection in a room
type Member struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Role         Role   `json:"role"`
	DisplayName  string `json:"displayName,omitempty"`
}

type RoomMembersPayload struct {
	RoomID  string   `json:"roomId"`
	Members []Member `json:"members"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type SessionReplacedPayload struct {
	Reason string `json:"reason"`
}

type CallPayload struct {
	CallID             string `json:"callId,omitempty"`
	ConsultationID     string `json:"consultationId"`
	RoomID             string `json:"roomId,omitempty"`
	DoctorID           string `json:"doctorId,omitempty"`
	DoctorName         string `json:"doctorName,omitempty"`
	DoctorConnectionID string `json:"doctorConnectionId,omitempty"`
	PatientID          string `json:"patientId,omitempty"`
}

type CallFailedPayload struct {
	ConsultationID string    `json:"consultationId"`
	Code           ErrorCode `json:"code"`
	Reason         string    `json:"reason"`
}

// Presence status values
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)
