package relay

import "sort"

// Registry is the relay's room table. It is not safe for concurrent use; the
// Hub goroutine is its only owner.
type Registry struct {
	rooms  map[string][]string
	roomOf map[string]string
}

// JoinResult describes the effect of a Join.
type JoinResult struct {
	// Left is set when the participant was moved out of another room.
	Left *Departure
	// Existing holds the members present before the join, in join order.
	Existing []string
	// Members is the full roster after the join, in join order.
	Members []string
	Created bool
	// Rejoined is true when the participant was already in this room.
	Rejoined bool
}

// Departure describes a participant leaving a room.
type Departure struct {
	RoomID        string
	ParticipantID string
	Remaining     []string
	Destroyed     bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string][]string),
		roomOf: make(map[string]string),
	}
}

// Join moves participantID into roomID, creating the room if needed and
// removing the participant from any room it occupied before.
func (r *Registry) Join(roomID, participantID string) JoinResult {
	var res JoinResult

	if current, ok := r.roomOf[participantID]; ok {
		if current == roomID {
			members := r.rooms[roomID]
			res.Rejoined = true
			res.Existing = without(members, participantID)
			res.Members = clone(members)
			return res
		}
		dep, _ := r.Leave(current, participantID)
		res.Left = &dep
	}

	members, ok := r.rooms[roomID]
	if !ok {
		res.Created = true
	}
	res.Existing = clone(members)
	members = append(members, participantID)
	r.rooms[roomID] = members
	r.roomOf[participantID] = roomID
	res.Members = clone(members)
	return res
}

// Leave removes participantID from roomID. It reports false when the
// participant was not a member of that room.
func (r *Registry) Leave(roomID, participantID string) (Departure, bool) {
	if r.roomOf[participantID] != roomID {
		return Departure{}, false
	}
	delete(r.roomOf, participantID)

	remaining := without(r.rooms[roomID], participantID)
	dep := Departure{RoomID: roomID, ParticipantID: participantID}
	if len(remaining) == 0 {
		delete(r.rooms, roomID)
		dep.Destroyed = true
		return dep, true
	}
	r.rooms[roomID] = remaining
	dep.Remaining = clone(remaining)
	return dep, true
}

// Disconnect removes participantID from whatever room it is in.
func (r *Registry) Disconnect(participantID string) (Departure, bool) {
	roomID, ok := r.roomOf[participantID]
	if !ok {
		return Departure{}, false
	}
	return r.Leave(roomID, participantID)
}

// Members returns the roster of roomID in join order.
func (r *Registry) Members(roomID string) ([]string, bool) {
	members, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return clone(members), true
}

// RoomOf returns the room participantID currently occupies.
func (r *Registry) RoomOf(participantID string) (string, bool) {
	roomID, ok := r.roomOf[participantID]
	return roomID, ok
}

// Rooms returns the IDs of all live rooms, sorted.
func (r *Registry) Rooms() []string {
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func without(members []string, id string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func clone(members []string) []string {
	out := make([]string, len(members))
	copy(out, members)
	return out
}
