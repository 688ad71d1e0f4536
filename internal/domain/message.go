package domain

// Event names carried in Message.Type.
const (
	EventWelcome          = "welcome"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventRoomUsers        = "room-users"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventSignal           = "signal"
	EventError            = "error"
)

// Message is the websocket envelope exchanged between clients and the relay.
type Message struct {
	Type          string         `json:"type"`
	RoomID        string         `json:"roomId,omitempty"`
	ParticipantID string         `json:"participantId,omitempty"`
	Users         []string       `json:"users,omitempty"`
	Signal        *SignalMessage `json:"signal,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// ICEServer holds STUN/TURN server configuration as advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
