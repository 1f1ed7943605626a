// Package idgen generates identifiers for connections and calls.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewConnectionID returns an opaque id for a freshly accepted connection.
func NewConnectionID() string {
	return uuid.New().String()
}

// NewCallID returns a time-ordered id for a call invitation.
func NewCallID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now.UTC()), entropy).String()
}
