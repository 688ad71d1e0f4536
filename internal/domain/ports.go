package domain

import "context"

// Signaler manages the client side of the signaling connection.
type Signaler interface {
	Connect() error
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
	SendSignal(msg SignalMessage)
	Close()
}

// Handler receives relay events on the client side.
type Handler interface {
	OnWelcome(participantID string)
	OnRoomUsers(roomID string, users []string)
	OnUserConnected(roomID, participantID string)
	OnUserDisconnected(roomID, participantID string)
	OnSignal(msg SignalMessage)
	OnRelayError(reason string)
}

// SignalSender is the mesh manager's outbound path to the relay.
type SignalSender interface {
	SendSignal(msg SignalMessage)
}

// TransportState is the connectivity of a PeerTransport.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// LocalTrack is a locally produced media track. Transports decide how to
// bind it; the mesh only needs a stable identity.
type LocalTrack interface {
	ID() string
	StreamID() string
}

// RemoteTrack is a media track received from a remote participant.
type RemoteTrack interface {
	ID() string
	StreamID() string
}

// MediaSource is the platform capability that yields local audio/video tracks.
type MediaSource interface {
	Acquire(ctx context.Context) ([]LocalTrack, error)
}

// PeerTransport is one direct connection to a remote participant.
// SDP-mutating calls must not overlap; the mesh serializes them per link.
type PeerTransport interface {
	// AttachTrack and DetachTrack run outside the link's serial queue and
	// must be safe to call while an offer or answer is being created.
	AttachTrack(track LocalTrack) error
	DetachTrack(trackID string) error
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(kind PayloadKind, sdp string) error
	AddICECandidate(candidate ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(TransportState))
	Close() error
}

// TransportFactory creates a PeerTransport for remoteID.
type TransportFactory interface {
	NewTransport(remoteID string) (PeerTransport, error)
}
