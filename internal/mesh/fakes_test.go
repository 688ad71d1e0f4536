package mesh

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"meshcall/internal/domain"
)

// fakeTrack is a local or remote track.
type fakeTrack struct {
	id, stream string
}

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) StreamID() string { return t.stream }

// fakeTransport encodes its identity and attached tracks into the SDP it
// produces, so tests can check which transports were paired.
type fakeTransport struct {
	id     string
	remote string

	rejectRemote bool
	attachErr    error

	mu          sync.Mutex
	attachCount map[string]int
	attached    []string
	localDesc   string
	remoteDesc  string
	candidates  []domain.ICECandidate
	closed      bool

	onCandidate func(domain.ICECandidate)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.TransportState)
}

func (f *fakeTransport) AttachTrack(track domain.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attachCount[track.ID()]++
	f.attached = append(f.attached, track.ID())
	return nil
}

func (f *fakeTransport) DetachTrack(trackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.attached[:0]
	for _, id := range f.attached {
		if id != trackID {
			kept = append(kept, id)
		}
	}
	f.attached = kept
	return nil
}

func (f *fakeTransport) describe(kind string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = fmt.Sprintf("%s|%s|%s", kind, f.id, strings.Join(f.attached, ","))
	return f.localDesc
}

// gather emits one host candidate, as an ICE agent does after
// SetLocalDescription.
func (f *fakeTransport) gather() {
	mid := "0"
	f.onCandidate(domain.ICECandidate{Candidate: "candidate:" + f.id, SDPMid: &mid})
}

func (f *fakeTransport) CreateOffer() (string, error) {
	sdp := f.describe("offer")
	f.gather()
	return sdp, nil
}

func (f *fakeTransport) CreateAnswer() (string, error) {
	sdp := f.describe("answer")
	f.gather()
	go f.onState(domain.TransportConnected)
	return sdp, nil
}

func (f *fakeTransport) SetRemoteDescription(kind domain.PayloadKind, sdp string) error {
	if f.rejectRemote {
		return errors.New("malformed sdp")
	}
	parts := strings.Split(sdp, "|")
	if len(parts) != 3 || parts[0] != string(kind) {
		return fmt.Errorf("unexpected %s sdp %q", kind, sdp)
	}

	f.mu.Lock()
	f.remoteDesc = sdp
	f.mu.Unlock()

	if parts[2] != "" {
		for _, id := range strings.Split(parts[2], ",") {
			track := fakeTrack{id: id, stream: parts[1]}
			go f.onTrack(track)
		}
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == "" {
		return errors.New("candidate before remote description")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(domain.ICECandidate))  { f.onCandidate = fn }
func (f *fakeTransport) OnTrack(fn func(domain.RemoteTrack))          { f.onTrack = fn }
func (f *fakeTransport) OnStateChange(fn func(domain.TransportState)) { f.onState = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() (local, remote string, candidates int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localDesc, f.remoteDesc, len(f.candidates), f.closed
}

type fakeFactory struct {
	local        string
	rejectRemote bool
	attachErr    error

	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) NewTransport(remoteID string) (domain.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{
		id:           fmt.Sprintf("%s>%s#%d", f.local, remoteID, len(f.created)),
		remote:       remoteID,
		rejectRemote: f.rejectRemote,
		attachErr:    f.attachErr,
		attachCount:  make(map[string]int),
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) transports(remoteID string) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, t := range f.created {
		if t.remote == remoteID {
			out = append(out, t)
		}
	}
	return out
}

// bus delivers signals between managers in send order, like the relay.
// While paused it holds every message back.
type bus struct {
	mu      sync.Mutex
	inboxes map[string]chan domain.SignalMessage
	paused  bool
	held    []domain.SignalMessage
	log     []domain.SignalMessage
}

func newBus(t *testing.T) *bus {
	b := &bus{inboxes: make(map[string]chan domain.SignalMessage)}
	t.Cleanup(b.close)
	return b
}

func (b *bus) attach(m *Manager) {
	inbox := make(chan domain.SignalMessage, 256)
	b.mu.Lock()
	b.inboxes[m.LocalID()] = inbox
	b.mu.Unlock()
	go func() {
		for msg := range inbox {
			m.HandleSignal(msg)
		}
	}()
}

func (b *bus) SendSignal(msg domain.SignalMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, msg)
	if b.paused {
		b.held = append(b.held, msg)
		return
	}
	b.deliverLocked(msg)
}

func (b *bus) deliverLocked(msg domain.SignalMessage) {
	if inbox, ok := b.inboxes[msg.RecipientID]; ok {
		inbox <- msg
	}
}

func (b *bus) pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

func (b *bus) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	for _, msg := range b.held {
		b.deliverLocked(msg)
	}
	b.held = nil
}

// kinds lists the payload kinds sent from one participant to another, in
// send order.
func (b *bus) kinds(from, to string) []domain.PayloadKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.PayloadKind
	for _, msg := range b.log {
		if msg.SenderID != from || msg.RecipientID != to {
			continue
		}
		if p, err := domain.DecodePayload(msg); err == nil {
			out = append(out, p.Kind)
		}
	}
	return out
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, inbox := range b.inboxes {
		close(inbox)
		delete(b.inboxes, id)
	}
}

// recorder captures hook calls.
type recorder struct {
	mu     sync.Mutex
	states map[string][]State
	errs   map[string][]error
	tracks map[string][]string
}

func newRecorder() *recorder {
	return &recorder{
		states: make(map[string][]State),
		errs:   make(map[string][]error),
		tracks: make(map[string][]string),
	}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnTrack: func(remoteID string, track domain.RemoteTrack) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tracks[remoteID] = append(r.tracks[remoteID], track.ID())
		},
		OnStateChange: func(remoteID string, s State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states[remoteID] = append(r.states[remoteID], s)
		},
		OnError: func(remoteID string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs[remoteID] = append(r.errs[remoteID], err)
		},
	}
}

func (r *recorder) statesFor(id string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states[id]...)
}

func (r *recorder) errorsFor(id string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs[id]...)
}

func (r *recorder) tracksFrom(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tracks[id]...)
}

func (r *recorder) count(id string, target error) int {
	n := 0
	for _, err := range r.errorsFor(id) {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

type participant struct {
	m       *Manager
	factory *fakeFactory
	rec     *recorder
}

func newParticipant(t *testing.T, b *bus, id string, cfg Config) *participant {
	t.Helper()
	cfg.LocalID = id
	p := &participant{factory: &fakeFactory{local: id}, rec: newRecorder()}
	p.m = NewManager(cfg, p.factory, b, p.rec.hooks())
	b.attach(p.m)
	t.Cleanup(p.m.CloseAll)
	return p
}

func (p *participant) state(remoteID string) State {
	l, ok := p.m.Link(remoteID)
	if !ok {
		return StateClosed
	}
	return l.State()
}

// reached reports whether the last state reported for remoteID is s.
func (p *participant) reached(remoteID string, s State) bool {
	states := p.rec.statesFor(remoteID)
	return len(states) > 0 && states[len(states)-1] == s
}

func (p *participant) applied(remoteID string, idx, want int) func() bool {
	return func() bool {
		ts := p.factory.transports(remoteID)
		if len(ts) <= idx {
			return false
		}
		_, _, n, _ := ts[idx].snapshot()
		return n == want
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		<-ticker.C
	}
}
