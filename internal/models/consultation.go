package models

import "time"

// Role of an authenticated portal user
type Role string

const (
	RoleDoctor   Role = "DOCTOR"
	RolePatient  Role = "PATIENT"
	RoleAdmin    Role = "ADMIN"
	RolePharmacy Role = "PHARMACY"
)

// ConsultationStatus is the durable status owned by the consultation store
type ConsultationStatus string

const (
	StatusScheduled ConsultationStatus = "SCHEDULED"
	StatusPending   ConsultationStatus = "PENDING"
	StatusRinging   ConsultationStatus = "RINGING"
	StatusAccepted  ConsultationStatus = "ACCEPTED"
	StatusRejected  ConsultationStatus = "REJECTED"
	StatusMissed    ConsultationStatus = "MISSED"
	StatusOngoing   ConsultationStatus = "ONGOING"
	StatusCompleted ConsultationStatus = "COMPLETED"
	StatusCancelled ConsultationStatus = "CANCELLED"
)

// Consultation is the slice of a portal consultation the signaling layer reads
type Consultation struct {
	ID            string             `json:"id"`
	DoctorUserID  string             `json:"doctorUserId"`
	PatientUserID string             `json:"patientUserId"`
	Status        ConsultationStatus `json:"status"`
	UpdatedAt     time.Time          `json:"updatedAt,omitempty"`
}

// IsParty reports whether userID is the doctor or patient on record
func (c Consultation) IsParty(userID string) bool {
	return userID != "" && (userID == c.DoctorUserID || userID == c.PatientUserID)
}

// RoomOccupancy is returned by the room info endpoint
type RoomOccupancy struct {
	RoomID   string   `json:"roomId"`
	Members  []Member `json:"members"`
	Capacity int      `json:"capacity"`
}
