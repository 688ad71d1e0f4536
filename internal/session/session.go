package session

import (
	"context"
	"log"
	"sync"

	"meshcall/internal/domain"
)

// Mesh is the part of the mesh manager a session drives.
type Mesh interface {
	LocalID() string
	HandleRoster(users []string)
	Connect(remoteID string)
	Close(remoteID string)
	HandleSignal(msg domain.SignalMessage)
	CloseAll()
}

// Session joins one room and turns relay events into mesh operations.
// It implements domain.Handler.
type Session struct {
	roomID string
	mesh   Mesh
	signal domain.Signaler
	cancel context.CancelFunc

	mu      sync.Mutex
	welcome bool
	left    bool
}

// New creates a Session for roomID. cancel ends the session when the relay
// refuses it. Call SetMesh and SetSignaler before use to complete the
// circular dependency.
func New(roomID string, cancel context.CancelFunc) *Session {
	return &Session{
		roomID: roomID,
		cancel: cancel,
	}
}

// SetMesh injects the mesh manager (Session needs Mesh, Mesh needs the
// Signaler, Signal needs Handler).
func (s *Session) SetMesh(m Mesh) {
	s.mesh = m
}

// SetSignaler injects the signaler after construction to resolve the
// circular dependency (Session needs Signaler, Signal needs Handler).
func (s *Session) SetSignaler(sig domain.Signaler) {
	s.signal = sig
}

// RoomID returns the room this session joins.
func (s *Session) RoomID() string { return s.roomID }

func (s *Session) OnWelcome(participantID string) {
	if participantID != s.mesh.LocalID() {
		log.Printf("[session] relay assigned %s, expected %s", participantID, s.mesh.LocalID())
		s.cancel()
		return
	}

	s.mu.Lock()
	s.welcome = true
	s.mu.Unlock()

	log.Printf("[session] connected as %s, joining %s", participantID, s.roomID)
	s.signal.JoinRoom(s.roomID)
}

func (s *Session) OnRoomUsers(roomID string, users []string) {
	if !s.active(roomID) {
		return
	}
	log.Printf("[session] room %s: %v", roomID, users)
	s.mesh.HandleRoster(users)
}

func (s *Session) OnUserConnected(roomID, participantID string) {
	if !s.active(roomID) || participantID == s.mesh.LocalID() {
		return
	}
	log.Printf("[session] %s joined, connecting", participantID)
	s.mesh.Connect(participantID)
}

func (s *Session) OnUserDisconnected(roomID, participantID string) {
	if roomID != s.roomID {
		return
	}
	log.Printf("[session] %s left, closing link", participantID)
	s.mesh.Close(participantID)
}

func (s *Session) OnSignal(msg domain.SignalMessage) {
	s.mesh.HandleSignal(msg)
}

// OnRelayError ends the session if the relay rejects it before the welcome.
func (s *Session) OnRelayError(reason string) {
	log.Printf("[session] relay error: %s", reason)

	s.mu.Lock()
	welcomed := s.welcome
	s.mu.Unlock()
	if !welcomed {
		s.cancel()
	}
}

// Leave leaves the room and closes every link. Events for the room are
// ignored afterwards.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.left = true
	s.mu.Unlock()

	log.Printf("[session] leaving %s", s.roomID)
	s.signal.LeaveRoom(s.roomID)
	s.mesh.CloseAll()
}

func (s *Session) active(roomID string) bool {
	if roomID != s.roomID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.left
}
