package signaling

import (
	"errors"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidData     = errors.New("invalid data")
	ErrNotFound        = errors.New("room or consultation not found")
	ErrUnauthorized    = errors.New("not a party to this consultation")
	ErrRoomFull        = errors.New("room is full")
	ErrPatientOffline  = errors.New("patient offline")
	ErrPersistence     = errors.New("consultation store unavailable")
)

// codeFor maps an error to the code reported on the wire. Anything
// unrecognised is a server error.
func codeFor(err error) models.ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidData):
		return models.ErrorCodeInvalidData
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNotFound):
		return models.ErrorCodeNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnauthenticated):
		return models.ErrorCodeUnauthorized
	case errors.Is(err, ErrRoomFull):
		return models.ErrorCodeRoomFull
	case errors.Is(err, ErrPatientOffline):
		return models.ErrorCodePatientOffline
	default:
		return models.ErrorCodeServerError
	}
}
