package signaling

import (
	"sort"
	"time"

	"github.com/mossy-p/consult-signaling/internal/auth"
	"github.com/mossy-p/consult-signaling/internal/models"
)

// Outbox delivers encoded frames to one client. Deliver must not block.
type Outbox interface {
	Deliver(msg []byte) bool
	Close()
}

// Connection is one live, authenticated client session.
type Connection struct {
	ID          string
	Identity    auth.Identity
	ConnectedAt time.Time

	rooms map[string]struct{}
	out   Outbox
}

// Rooms returns the ids of the rooms the connection has joined.
func (c *Connection) Rooms() []string {
	return sortedKeys(c.rooms)
}

func (c *Connection) member() models.Member {
	return models.Member{
		ConnectionID: c.ID,
		UserID:       c.Identity.UserID,
		Role:         c.Identity.Role,
		DisplayName:  c.Identity.DisplayName,
	}
}

func (c *Connection) presence(status string) models.PresencePayload {
	return models.PresencePayload{
		UserID:      c.Identity.UserID,
		Role:        c.Identity.Role,
		DisplayName: c.Identity.DisplayName,
		Status:      status,
	}
}

// ConnectionRegistry maps connection ids to identities and tracks every
// live connection of each user. It does no locking of its own; the
// gateway mutex guards it.
type ConnectionRegistry struct {
	conns  map[string]*Connection
	byUser map[string]map[string]struct{}
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register records a connection. It reports whether this is the user's
// first live connection. Registering an existing id returns the existing
// connection unchanged.
func (r *ConnectionRegistry) Register(id string, identity auth.Identity, out Outbox, now time.Time) (*Connection, bool) {
	if c, ok := r.conns[id]; ok {
		return c, false
	}

	c := &Connection{
		ID:          id,
		Identity:    identity,
		ConnectedAt: now,
		rooms:       make(map[string]struct{}),
		out:         out,
	}
	r.conns[id] = c

	sessions, ok := r.byUser[identity.UserID]
	if !ok {
		sessions = make(map[string]struct{})
		r.byUser[identity.UserID] = sessions
	}
	sessions[id] = struct{}{}

	return c, len(sessions) == 1
}

func (r *ConnectionRegistry) Lookup(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// LookupByUser returns every live connection id of userID, sorted.
func (r *ConnectionRegistry) LookupByUser(userID string) []string {
	return sortedKeys(r.byUser[userID])
}

func (r *ConnectionRegistry) IsOnline(userID string) bool {
	return len(r.byUser[userID]) > 0
}

// Forget removes the connection. Room membership is left for the caller
// to unwind using the returned connection's Rooms.
func (r *ConnectionRegistry) Forget(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)

	if sessions, ok := r.byUser[c.Identity.UserID]; ok {
		delete(sessions, id)
		if len(sessions) == 0 {
			delete(r.byUser, c.Identity.UserID)
		}
	}
	return c, true
}

// Online returns one presence entry per connected user, ordered by user id.
func (r *ConnectionRegistry) Online() []models.PresencePayload {
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)

	out := make([]models.PresencePayload, 0, len(users))
	for _, userID := range users {
		first := r.LookupByUser(userID)[0]
		out = append(out, r.conns[first].presence(models.PresenceOnline))
	}
	return out
}

// All returns every live connection id, sorted.
func (r *ConnectionRegistry) All() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *ConnectionRegistry) Len() int {
	return len(r.conns)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
