// Package store provides the consultation status backends used by the
// signaling layer. The portal owns consultation records; the signaling
// server only reads a consultation and moves its status along the call
// protocol.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/consult-signaling/internal/models"
)

var (
	ErrNotFound      = errors.New("consultation not found")
	ErrInvalidRecord = errors.New("invalid consultation record")
)

// ConsultationStore is the narrow persistence contract of the signaling core.
type ConsultationStore interface {
	FindByID(ctx context.Context, id string) (models.Consultation, error)
	SetStatus(ctx context.Context, id string, status models.ConsultationStatus) error
	// Put creates or replaces a consultation. Used for seeding and tests.
	Put(ctx context.Context, c models.Consultation) error
	Close() error
}

func validate(c models.Consultation) error {
	if c.ID == "" || c.DoctorUserID == "" || c.PatientUserID == "" {
		return fmt.Errorf("%w: id, doctor and patient are required", ErrInvalidRecord)
	}
	return nil
}
