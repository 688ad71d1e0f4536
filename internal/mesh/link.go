package mesh

import (
	"sync"
	"time"

	"meshcall/internal/domain"
)

// State is the negotiation state of a Link.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOffering:
		return "OFFERING"
	case StateAnswering:
		return "ANSWERING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// op is one unit of negotiation work. It receives the link it runs on, which
// differs from the link it was queued on after a handoff.
type op func(l *Link)

// Link is the negotiation state for one remote participant. All SDP and ICE
// work for a link runs on its own goroutine, one operation at a time.
type Link struct {
	remoteID  string
	transport domain.PeerTransport

	qmu     sync.Mutex
	queue   []op
	stopped bool
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	state     State
	attached  map[string]struct{}
	remote    domain.RemoteTrack
	remoteSet bool
	pending   []domain.ICECandidate
	timer     *time.Timer

	// Local candidates wait in outbox until the offer or answer they
	// belong to has been sent.
	localSent bool
	outbox    []domain.ICECandidate

	// discardRemote drops remote candidates gathered for an offer this side
	// refused under the glare rule.
	discardRemote bool
}

func newLink(remoteID string, transport domain.PeerTransport) *Link {
	l := &Link{
		remoteID:  remoteID,
		transport: transport,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		attached:  make(map[string]struct{}),
	}
	go l.run()
	return l
}

// RemoteID returns the participant this link connects to.
func (l *Link) RemoteID() string { return l.remoteID }

// State returns the current negotiation state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) run() {
	for {
		select {
		case <-l.wake:
		case <-l.done:
			return
		}
		for {
			next, ok := l.next()
			if !ok {
				break
			}
			next(l)
		}
	}
}

func (l *Link) next() (op, bool) {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	next := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return next, true
}

// enqueue schedules fn after every previously queued operation. It never
// blocks and reports false once the link has stopped taking work.
func (l *Link) enqueue(fn op) bool {
	l.qmu.Lock()
	if l.stopped {
		l.qmu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.qmu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// handoff stops l from taking work and moves its queued operations to fresh.
func (l *Link) handoff(fresh *Link) {
	l.qmu.Lock()
	l.stopped = true
	queued := l.queue
	l.queue = nil
	l.qmu.Unlock()

	for _, fn := range queued {
		fresh.enqueue(fn)
	}
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// setState moves the link to s unless it is already closed.
func (l *Link) setState(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = s
	if s == StateConnected && l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	return true
}

// attach binds track once; repeated calls for the same track ID do nothing.
func (l *Link) attach(track domain.LocalTrack) (bool, error) {
	l.mu.Lock()
	if _, ok := l.attached[track.ID()]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.attached[track.ID()] = struct{}{}
	l.mu.Unlock()

	if err := l.transport.AttachTrack(track); err != nil {
		l.mu.Lock()
		delete(l.attached, track.ID())
		l.mu.Unlock()
		return false, err
	}
	return true, nil
}

// detach forgets trackID and unbinds it from the transport.
func (l *Link) detach(trackID string) (bool, error) {
	l.mu.Lock()
	if _, ok := l.attached[trackID]; !ok {
		l.mu.Unlock()
		return false, nil
	}
	delete(l.attached, trackID)
	l.mu.Unlock()

	if err := l.transport.DetachTrack(trackID); err != nil {
		return false, err
	}
	return true, nil
}

// AttachedTracks returns the IDs of local tracks bound to this link.
func (l *Link) AttachedTracks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.attached))
	for id := range l.attached {
		ids = append(ids, id)
	}
	return ids
}

func (l *Link) setRemoteStream(track domain.RemoteTrack) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = track
}

// RemoteStream returns the last track received from the remote participant.
func (l *Link) RemoteStream() (domain.RemoteTrack, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote, l.remote != nil
}

// queueCandidate holds c until a remote description exists. It reports
// false when the candidate can be applied right away.
func (l *Link) queueCandidate(c domain.ICECandidate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteSet {
		return false
	}
	l.pending = append(l.pending, c)
	return true
}

// markRemoteSet records that a remote description is applied and returns
// the candidates that were waiting for it.
func (l *Link) markRemoteSet() []domain.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	return pending
}

// ignoreRemoteCandidates drops queued remote candidates and every further
// one until acceptRemoteCandidates.
func (l *Link) ignoreRemoteCandidates() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discardRemote = true
	l.pending = nil
}

func (l *Link) acceptRemoteCandidates() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discardRemote = false
}

func (l *Link) discarding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discardRemote
}

// holdLocalCandidate keeps c back while no local description has been sent.
func (l *Link) holdLocalCandidate(c domain.ICECandidate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.localSent {
		return false
	}
	l.outbox = append(l.outbox, c)
	return true
}

// releaseLocalCandidates marks the local description as sent and returns
// the candidates held back until now.
func (l *Link) releaseLocalCandidates() []domain.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localSent = true
	out := l.outbox
	l.outbox = nil
	return out
}

func (l *Link) takePending() []domain.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.pending
	l.pending = nil
	return pending
}

// shutdown marks the link closed and releases its transport. It reports
// whether this call did the work.
func (l *Link) shutdown() bool {
	first := false
	l.closeOnce.Do(func() {
		first = true
		l.mu.Lock()
		l.state = StateClosed
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.mu.Unlock()
		l.qmu.Lock()
		l.stopped = true
		l.queue = nil
		l.qmu.Unlock()
		close(l.done)
		l.transport.Close()
	})
	return first
}
