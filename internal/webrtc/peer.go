package webrtc

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"meshcall/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
)

// ErrUnsupportedTrack is returned when a local track was not produced by pion.
var ErrUnsupportedTrack = errors.New("track is not a pion TrackLocal")

// Factory creates pion-backed peer transports sharing one codec and
// interceptor setup.
type Factory struct {
	api        *pion.API
	iceServers []pion.ICEServer
}

// NewFactory registers the default codecs and NACK handling and returns a
// factory that connects through iceServers.
func NewFactory(iceServers []domain.ICEServer) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	return &Factory{api: api, iceServers: toPionICEServers(iceServers)}, nil
}

func toPionICEServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// NewTransport creates a PeerConnection for remoteID with one audio and one
// video transceiver, both sendrecv.
func (f *Factory) NewTransport(remoteID string) (domain.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers:   f.iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		remoteID: remoteID,
		senders:  make(map[string]*pion.RTPSender),
	}
	if err := p.addTransceivers(); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Printf("[webrtc] %s ICE connection state: %s", remoteID, state)
	})
	return p, nil
}

// Peer wraps a Pion PeerConnection to one remote participant.
type Peer struct {
	pc       *pion.PeerConnection
	remoteID string

	mu sync.Mutex
	// free holds the pre-declared transceivers whose sender has no local
	// track bound yet.
	free    []*pion.RTPTransceiver
	senders map[string]*pion.RTPSender
}

// addTransceivers declares sendrecv audio and video up front so tracks bound
// after negotiation only replace the sender's track.
func (p *Peer) addTransceivers() error {
	audio, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	video, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}

	p.free = []*pion.RTPTransceiver{audio, video}
	return nil
}

// AttachTrack binds track to a free transceiver of the same kind, or adds a
// new sender when none is left.
func (p *Peer) AttachTrack(track domain.LocalTrack) error {
	local, ok := track.(pion.TrackLocal)
	if !ok {
		return ErrUnsupportedTrack
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.senders[local.ID()]; ok {
		return nil
	}

	for i, t := range p.free {
		if t.Kind() != local.Kind() {
			continue
		}
		if err := t.Sender().ReplaceTrack(local); err != nil {
			return fmt.Errorf("replace %s track: %w", local.Kind(), err)
		}
		p.free = append(p.free[:i], p.free[i+1:]...)
		p.senders[local.ID()] = t.Sender()
		go drainRTCP(t.Sender())
		log.Printf("[webrtc] %s: bound %s track %s", p.remoteID, local.Kind(), local.ID())
		return nil
	}

	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", local.Kind(), err)
	}
	p.senders[local.ID()] = sender
	go drainRTCP(sender)
	log.Printf("[webrtc] %s: added %s track %s, renegotiation needed", p.remoteID, local.Kind(), local.ID())
	return nil
}

// DetachTrack stops sending trackID. The transceiver stays negotiated and can
// carry a later track of the same kind.
func (p *Peer) DetachTrack(trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sender, ok := p.senders[trackID]
	if !ok {
		return nil
	}
	delete(p.senders, trackID)
	if err := sender.ReplaceTrack(nil); err != nil {
		return fmt.Errorf("detach track %s: %w", trackID, err)
	}
	for _, t := range p.pc.GetTransceivers() {
		if t.Sender() == sender {
			p.free = append(p.free, t)
			break
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors such as the NACK responder
// see it.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	log.Printf("[webrtc] %s: local SDP offer set", p.remoteID)
	return offer.SDP, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	log.Printf("[webrtc] %s: local SDP answer set", p.remoteID)
	return answer.SDP, nil
}

// SetRemoteDescription applies a remote offer or answer.
func (p *Peer) SetRemoteDescription(kind domain.PayloadKind, sdp string) error {
	typ, err := sdpType(kind)
	if err != nil {
		return err
	}

	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	log.Printf("[webrtc] %s: remote SDP %s set", p.remoteID, kind)
	return nil
}

func sdpType(kind domain.PayloadKind) (pion.SDPType, error) {
	switch kind {
	case domain.PayloadOffer:
		return pion.SDPTypeOffer, nil
	case domain.PayloadAnswer:
		return pion.SDPTypeAnswer, nil
	}
	return pion.SDPTypeUnknown, fmt.Errorf("no sdp type for payload kind %q", kind)
}

// AddICECandidate adds a remote candidate. The caller holds candidates back
// until a remote description is set.
func (p *Peer) AddICECandidate(candidate domain.ICECandidate) error {
	if err := p.pc.AddICECandidate(toCandidateInit(candidate)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func toCandidateInit(c domain.ICECandidate) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(init pion.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// OnICECandidate registers the callback for locally discovered ICE
// candidates. Loopback candidates are never offered to remote peers.
func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Printf("[webrtc] %s: ICE gathering complete", p.remoteID)
			return
		}

		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			return
		}
		fn(fromCandidateInit(init))
	})
}

// OnTrack registers the callback for remote tracks.
func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		log.Printf("[webrtc] %s: got track kind=%s codec=%s pt=%d", p.remoteID, track.Kind(), codec.MimeType, codec.PayloadType)
		fn(track)
	})
}

// OnStateChange registers the callback for connection state changes.
func (p *Peer) OnStateChange(fn func(domain.TransportState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Printf("[webrtc] %s: peer connection state: %s", p.remoteID, state)
		if s, ok := transportState(state); ok {
			fn(s)
		}
	})
}

func transportState(s pion.PeerConnectionState) (domain.TransportState, bool) {
	switch s {
	case pion.PeerConnectionStateNew, pion.PeerConnectionStateConnecting:
		return domain.TransportConnecting, true
	case pion.PeerConnectionStateConnected:
		return domain.TransportConnected, true
	case pion.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected, true
	case pion.PeerConnectionStateFailed:
		return domain.TransportFailed, true
	case pion.PeerConnectionStateClosed:
		return domain.TransportClosed, true
	}
	return 0, false
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
