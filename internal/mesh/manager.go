// Package mesh keeps one negotiated peer link per remote participant in a
// room and binds local media into every link.
//
// Negotiation follows NEW → OFFERING → CONNECTED when this side offers and
// NEW → ANSWERING → CONNECTED when the remote side offers. Any state can move
// to CLOSED, which is terminal: a closed link is never reused, a new Link is
// created instead.
//
// Both sides offer as soon as they learn of each other, so two offers for the
// same pair can cross. The participant with the lexicographically smaller ID
// is the designated offerer: it ignores an offer that arrives while its own
// is outstanding, and the other side abandons its own offer, replaces its link
// and answers. Both events are reported with domain.ErrRaceAbandoned.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"meshcall/internal/domain"
)

// DefaultNegotiationTimeout bounds how long a link may take to connect.
const DefaultNegotiationTimeout = 30 * time.Second

// Hooks deliver link events to the owner of a Manager. They are called from
// link and transport goroutines and must not block for long.
type Hooks struct {
	OnTrack       func(remoteID string, track domain.RemoteTrack)
	OnStateChange func(remoteID string, state State)
	OnError       func(remoteID string, err error)
}

// Config configures a Manager.
type Config struct {
	LocalID string
	// NegotiationTimeout closes links that have not connected in time.
	// Zero disables the timeout.
	NegotiationTimeout time.Duration
}

// Manager owns the links of one participant session.
type Manager struct {
	localID    string
	timeout    time.Duration
	transports domain.TransportFactory
	signals    domain.SignalSender
	hooks      Hooks

	mu     sync.Mutex
	links  map[string]*Link
	tracks []domain.LocalTrack
	closed bool
}

// NewManager creates a manager for the participant cfg.LocalID.
func NewManager(cfg Config, transports domain.TransportFactory, signals domain.SignalSender, hooks Hooks) *Manager {
	return &Manager{
		localID:    cfg.LocalID,
		timeout:    cfg.NegotiationTimeout,
		transports: transports,
		signals:    signals,
		hooks:      hooks,
		links:      make(map[string]*Link),
	}
}

// LocalID returns the participant ID this manager negotiates as.
func (m *Manager) LocalID() string { return m.localID }

// Link returns the live link to remoteID.
func (m *Manager) Link(remoteID string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remoteID]
	return l, ok
}

// Peers returns the state of every live link.
func (m *Manager) Peers() map[string]State {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make(map[string]State, len(links))
	for _, l := range links {
		out[l.remoteID] = l.State()
	}
	return out
}

// HandleRoster reacts to a full membership snapshot: every listed remote
// participant without a link gets one.
func (m *Manager) HandleRoster(users []string) {
	for _, id := range users {
		if id == m.localID {
			continue
		}
		m.Connect(id)
	}
}

// Connect creates a link to remoteID and starts an offer. It does nothing if
// a link already exists.
func (m *Manager) Connect(remoteID string) {
	l, created, err := m.ensureLink(remoteID)
	if err != nil {
		m.report(remoteID, err)
		return
	}
	if created {
		l.enqueue(m.offer)
	}
}

// HandleSignal advances the link addressed by msg.
func (m *Manager) HandleSignal(msg domain.SignalMessage) {
	if msg.RecipientID != "" && msg.RecipientID != m.localID {
		log.Printf("[mesh] ignoring signal for %s", msg.RecipientID)
		return
	}
	remoteID := msg.SenderID
	if remoteID == "" || remoteID == m.localID {
		return
	}

	p, err := domain.DecodePayload(msg)
	if err != nil {
		log.Printf("[mesh] %v", err)
		return
	}

	switch p.Kind {
	case domain.PayloadOffer:
		if _, _, err := m.ensureLink(remoteID); err != nil {
			m.report(remoteID, err)
			return
		}
		m.dispatch(remoteID, func(l *Link) { m.acceptOffer(l, p.SDP) })

	case domain.PayloadAnswer:
		if !m.dispatch(remoteID, func(l *Link) { m.applyAnswer(l, p.SDP) }) {
			log.Printf("[mesh] answer from %s without a link", remoteID)
		}

	case domain.PayloadICECandidate:
		c := *p.Candidate
		if !m.dispatch(remoteID, func(l *Link) { m.addCandidate(l, c) }) {
			log.Printf("[mesh] candidate from %s without a link", remoteID)
		}
	}
}

// dispatch queues fn on the live link to remoteID. If that link is replaced
// before fn is queued, fn follows the replacement.
func (m *Manager) dispatch(remoteID string, fn op) bool {
	for {
		l, ok := m.Link(remoteID)
		if !ok {
			return false
		}
		if l.enqueue(fn) {
			return true
		}
		if cur, ok := m.Link(remoteID); !ok || cur == l {
			return false
		}
	}
}

// AddLocalTrack attaches track to every live link and to every link created
// later. Adding the same track twice has no effect.
func (m *Manager) AddLocalTrack(track domain.LocalTrack) {
	var failed []*domain.LinkError

	m.mu.Lock()
	for _, t := range m.tracks {
		if t.ID() == track.ID() {
			m.mu.Unlock()
			return
		}
	}
	m.tracks = append(m.tracks, track)
	for id, l := range m.links {
		if _, err := l.attach(track); err != nil {
			failed = append(failed, &domain.LinkError{Op: "attach track", RemoteID: id, Err: err})
		}
	}
	m.mu.Unlock()

	log.Printf("[mesh] local track %s added", track.ID())
	for _, err := range failed {
		m.report(err.RemoteID, err)
	}
}

// RemoveLocalTrack detaches trackID from every link.
func (m *Manager) RemoveLocalTrack(trackID string) {
	var failed []*domain.LinkError

	m.mu.Lock()
	kept := m.tracks[:0]
	for _, t := range m.tracks {
		if t.ID() != trackID {
			kept = append(kept, t)
		}
	}
	m.tracks = kept
	for id, l := range m.links {
		if _, err := l.detach(trackID); err != nil {
			failed = append(failed, &domain.LinkError{Op: "detach track", RemoteID: id, Err: err})
		}
	}
	m.mu.Unlock()

	for _, err := range failed {
		m.report(err.RemoteID, err)
	}
}

// StartLocalMedia acquires tracks from src and adds them to the mesh.
func (m *Manager) StartLocalMedia(ctx context.Context, src domain.MediaSource) ([]domain.LocalTrack, error) {
	tracks, err := src.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaAcquisitionDenied, err)
	}
	for _, t := range tracks {
		m.AddLocalTrack(t)
	}
	return tracks, nil
}

// StopLocalMedia detaches every local track.
func (m *Manager) StopLocalMedia() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracks))
	for _, t := range m.tracks {
		ids = append(ids, t.ID())
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemoveLocalTrack(id)
	}
}

// Close tears down the link to remoteID. Closing an unknown or already
// closed link does nothing.
func (m *Manager) Close(remoteID string) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	if ok {
		delete(m.links, remoteID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if l.shutdown() {
		log.Printf("[mesh] link %s closed", remoteID)
		m.notifyState(remoteID, StateClosed)
	}
}

// CloseAll ends the session: every link is closed and no new link is created.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	for id, l := range links {
		if l.shutdown() {
			m.notifyState(id, StateClosed)
		}
	}
}

// ensureLink returns the live link to remoteID, creating it if needed.
func (m *Manager) ensureLink(remoteID string) (*Link, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, &domain.LinkError{Op: "create link", RemoteID: remoteID, Err: domain.ErrLinkClosed}
	}
	if l, ok := m.links[remoteID]; ok {
		m.mu.Unlock()
		return l, false, nil
	}
	l, failed, err := m.newLinkLocked(remoteID)
	m.mu.Unlock()

	if err != nil {
		return nil, false, err
	}
	for _, err := range failed {
		m.report(remoteID, err)
	}
	m.notifyState(remoteID, StateNew)
	return l, true, nil
}

// newLinkLocked builds and registers a link with every held track attached.
// m.mu must be held.
func (m *Manager) newLinkLocked(remoteID string) (*Link, []error, error) {
	transport, err := m.transports.NewTransport(remoteID)
	if err != nil {
		return nil, nil, domain.NegotiationError("create transport", remoteID, err)
	}

	l := newLink(remoteID, transport)
	m.wire(l)

	var failed []error
	for _, t := range m.tracks {
		if _, err := l.attach(t); err != nil {
			failed = append(failed, &domain.LinkError{Op: "attach track", RemoteID: remoteID, Err: err})
		}
	}

	if m.timeout > 0 {
		l.mu.Lock()
		l.timer = time.AfterFunc(m.timeout, func() { m.expire(l) })
		l.mu.Unlock()
	}

	m.links[remoteID] = l
	log.Printf("[mesh] link %s created", remoteID)
	return l, failed, nil
}

func (m *Manager) wire(l *Link) {
	l.transport.OnICECandidate(func(c domain.ICECandidate) {
		if l.closed() || l.holdLocalCandidate(c) {
			return
		}
		m.send(l.remoteID, domain.CandidatePayload(c))
	})

	l.transport.OnTrack(func(track domain.RemoteTrack) {
		if l.closed() {
			return
		}
		l.setRemoteStream(track)
		log.Printf("[mesh] remote track %s (stream %s) from %s", track.ID(), track.StreamID(), l.remoteID)
		if m.hooks.OnTrack != nil {
			m.hooks.OnTrack(l.remoteID, track)
		}
	})

	l.transport.OnStateChange(func(s domain.TransportState) {
		log.Printf("[mesh] transport %s: %s", l.remoteID, s)
		switch s {
		case domain.TransportConnected:
			l.enqueue(func(*Link) {
				if l.State() == StateAnswering {
					m.transition(l, StateConnected)
				}
			})
		case domain.TransportFailed:
			l.enqueue(func(*Link) {
				m.fail(l, domain.NegotiationError("connect", l.remoteID, errors.New("transport failed")))
			})
		}
	})
}

// replace closes l without reporting it and registers a fresh link for the
// same participant that starts with first. Remote candidates and operations
// queued on l move to the new link after first.
func (m *Manager) replace(l *Link, first op) (*Link, error) {
	m.mu.Lock()
	if m.closed || m.links[l.remoteID] != l {
		m.mu.Unlock()
		return nil, &domain.LinkError{Op: "replace link", RemoteID: l.remoteID, Err: domain.ErrLinkClosed}
	}
	carried := l.takePending()
	fresh, failed, err := m.newLinkLocked(l.remoteID)
	if err != nil {
		delete(m.links, l.remoteID)
	} else {
		fresh.mu.Lock()
		fresh.pending = carried
		fresh.mu.Unlock()
		fresh.enqueue(first)
		l.handoff(fresh)
	}
	m.mu.Unlock()

	l.shutdown()
	if err != nil {
		m.notifyState(l.remoteID, StateClosed)
		return nil, err
	}
	for _, err := range failed {
		m.report(l.remoteID, err)
	}
	return fresh, nil
}

func (m *Manager) offer(l *Link) {
	if l.State() != StateNew {
		return
	}
	sdp, err := l.transport.CreateOffer()
	if err != nil {
		m.fail(l, domain.NegotiationError("create offer", l.remoteID, err))
		return
	}
	if !m.transition(l, StateOffering) {
		return
	}
	m.sendDescription(l, domain.OfferPayload(sdp))
}

func (m *Manager) acceptOffer(l *Link, sdp string) {
	switch l.State() {
	case StateClosed:
		return

	case StateOffering:
		if m.localID < l.remoteID {
			log.Printf("[mesh] glare with %s: keeping local offer", l.remoteID)
			l.ignoreRemoteCandidates()
			m.report(l.remoteID, &domain.LinkError{Op: "accept offer", RemoteID: l.remoteID, Err: domain.ErrRaceAbandoned})
			return
		}
		log.Printf("[mesh] glare with %s: abandoning local offer", l.remoteID)
		m.report(l.remoteID, &domain.LinkError{Op: "offer", RemoteID: l.remoteID, Err: domain.ErrRaceAbandoned})
		m.restart(l, sdp)
		return

	case StateAnswering, StateConnected:
		// The remote side rebuilt its link; follow it with a fresh one.
		log.Printf("[mesh] new offer from %s in state %s, restarting link", l.remoteID, l.State())
		m.restart(l, sdp)
		return
	}

	if err := l.transport.SetRemoteDescription(domain.PayloadOffer, sdp); err != nil {
		m.fail(l, domain.NegotiationError("apply offer", l.remoteID, err))
		return
	}
	if !m.flushRemoteCandidates(l) {
		return
	}

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		m.fail(l, domain.NegotiationError("create answer", l.remoteID, err))
		return
	}
	if !m.transition(l, StateAnswering) {
		return
	}
	m.sendDescription(l, domain.AnswerPayload(answer))
}

func (m *Manager) restart(l *Link, sdp string) {
	_, err := m.replace(l, func(fresh *Link) {
		m.notifyState(fresh.remoteID, StateNew)
		m.acceptOffer(fresh, sdp)
	})
	if err != nil {
		m.report(l.remoteID, err)
	}
}

func (m *Manager) applyAnswer(l *Link, sdp string) {
	if st := l.State(); st != StateOffering {
		log.Printf("[mesh] ignoring answer from %s in state %s", l.remoteID, st)
		return
	}
	if err := l.transport.SetRemoteDescription(domain.PayloadAnswer, sdp); err != nil {
		m.fail(l, domain.NegotiationError("apply answer", l.remoteID, err))
		return
	}
	l.acceptRemoteCandidates()
	if !m.flushRemoteCandidates(l) {
		return
	}
	m.transition(l, StateConnected)
}

func (m *Manager) addCandidate(l *Link, c domain.ICECandidate) {
	if l.State() == StateClosed || l.discarding() {
		return
	}
	if l.queueCandidate(c) {
		return
	}
	if err := l.transport.AddICECandidate(c); err != nil {
		m.fail(l, domain.NegotiationError("add ice candidate", l.remoteID, err))
	}
}

// flushRemoteCandidates applies candidates that arrived before the remote
// description. It reports false if the link failed.
func (m *Manager) flushRemoteCandidates(l *Link) bool {
	for _, c := range l.markRemoteSet() {
		if err := l.transport.AddICECandidate(c); err != nil {
			m.fail(l, domain.NegotiationError("add ice candidate", l.remoteID, err))
			return false
		}
	}
	return true
}

// sendDescription sends an offer or answer followed by the local
// candidates gathered while it was being created.
func (m *Manager) sendDescription(l *Link, p domain.Payload) {
	m.send(l.remoteID, p)
	for _, c := range l.releaseLocalCandidates() {
		m.send(l.remoteID, domain.CandidatePayload(c))
	}
}

func (m *Manager) send(remoteID string, p domain.Payload) {
	msg, err := domain.NewSignal(m.localID, remoteID, p)
	if err != nil {
		log.Printf("[mesh] %v", err)
		return
	}
	m.signals.SendSignal(msg)
}

func (m *Manager) transition(l *Link, s State) bool {
	if !l.setState(s) {
		return false
	}
	log.Printf("[mesh] link %s: %s", l.remoteID, s)
	m.notifyState(l.remoteID, s)
	return true
}

func (m *Manager) expire(l *Link) {
	l.enqueue(func(*Link) {
		if st := l.State(); st == StateConnected || st == StateClosed {
			return
		}
		m.fail(l, &domain.LinkError{Op: "negotiate", RemoteID: l.remoteID, Err: domain.ErrNegotiationTimeout})
	})
}

// fail closes l and reports err. Other links are unaffected and nothing is
// retried; a later membership event creates a new link.
func (m *Manager) fail(l *Link, err error) {
	log.Printf("[mesh] link %s failed: %v", l.remoteID, err)

	m.mu.Lock()
	if m.links[l.remoteID] == l {
		delete(m.links, l.remoteID)
	}
	m.mu.Unlock()

	if l.shutdown() {
		m.notifyState(l.remoteID, StateClosed)
	}
	m.report(l.remoteID, err)
}

func (m *Manager) report(remoteID string, err error) {
	if m.hooks.OnError != nil {
		m.hooks.OnError(remoteID, err)
	}
}

func (m *Manager) notifyState(remoteID string, s State) {
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(remoteID, s)
	}
}
