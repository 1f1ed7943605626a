package signaling

import "fmt"

// RoomCapacity is the number of distinct users a consultation room admits:
// the doctor and the patient.
const RoomCapacity = 2

// RoomIDFor is the room used when a client names a consultation but no room.
func RoomIDFor(consultationID string) string {
	return "consultation:" + consultationID
}

type room struct {
	id             string
	consultationID string
	members        map[string]struct{}
}

// RoomRegistry maps room ids to their member connections. Like
// ConnectionRegistry it relies on the gateway mutex.
type RoomRegistry struct {
	rooms map[string]*room
	conns *ConnectionRegistry
}

func NewRoomRegistry(conns *ConnectionRegistry) *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*room),
		conns: conns,
	}
}

// Join admits connID to roomID, which is bound to consultationID on first
// join. authorize decides whether the joining user is a party to the
// consultation. Any existing member belonging to the same user is passed
// to evict before capacity is checked; evict is expected to remove it
// from every room. On success the ids of the other members are returned.
func (r *RoomRegistry) Join(roomID, consultationID, connID string, authorize func(userID string) bool, evict func(connID string)) ([]string, error) {
	c, ok := r.conns.Lookup(connID)
	if !ok {
		return nil, fmt.Errorf("%w: connection %s is gone", ErrNotFound, connID)
	}
	if !authorize(c.Identity.UserID) {
		return nil, ErrUnauthorized
	}

	rm, exists := r.rooms[roomID]
	if exists && rm.consultationID != consultationID {
		return nil, fmt.Errorf("%w: room belongs to another consultation", ErrUnauthorized)
	}
	if exists {
		if _, already := rm.members[connID]; already {
			return r.others(roomID, connID), nil
		}
		for _, memberID := range sortedKeys(rm.members) {
			m, ok := r.conns.Lookup(memberID)
			if ok && m.Identity.UserID != c.Identity.UserID {
				continue
			}
			if ok && evict != nil {
				evict(memberID)
			}
			// evict may not have unwound it, and orphaned ids never count
			r.remove(roomID, memberID)
		}
	}

	rm, exists = r.rooms[roomID]
	if !exists {
		rm = &room{id: roomID, consultationID: consultationID, members: make(map[string]struct{})}
		r.rooms[roomID] = rm
	}
	if r.distinctUsers(rm) >= RoomCapacity {
		return nil, ErrRoomFull
	}

	rm.members[connID] = struct{}{}
	c.rooms[roomID] = struct{}{}
	return r.others(roomID, connID), nil
}

// Leave removes connID from roomID and returns the remaining members.
// The room is deleted once empty.
func (r *RoomRegistry) Leave(roomID, connID string) ([]string, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	if _, member := rm.members[connID]; !member {
		return nil, false
	}
	r.remove(roomID, connID)
	return r.Members(roomID), true
}

func (r *RoomRegistry) remove(roomID, connID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, connID)
	if c, ok := r.conns.Lookup(connID); ok {
		delete(c.rooms, roomID)
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
}

// Members returns the member connection ids of roomID, sorted.
func (r *RoomRegistry) Members(roomID string) []string {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedKeys(rm.members)
}

func (r *RoomRegistry) HasMember(roomID, connID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, member := rm.members[connID]
	return member
}

// ConsultationOf returns the consultation a live room is bound to.
func (r *RoomRegistry) ConsultationOf(roomID string) (string, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return rm.consultationID, true
}

func (r *RoomRegistry) Len() int {
	return len(r.rooms)
}

func (r *RoomRegistry) others(roomID, connID string) []string {
	var out []string
	for _, id := range r.Members(roomID) {
		if id != connID {
			out = append(out, id)
		}
	}
	return out
}

func (r *RoomRegistry) distinctUsers(rm *room) int {
	users := make(map[string]struct{}, len(rm.members))
	for id := range rm.members {
		if c, ok := r.conns.Lookup(id); ok {
			users[c.Identity.UserID] = struct{}{}
		}
	}
	return len(users)
}
