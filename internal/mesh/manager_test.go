package mesh

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"meshcall/internal/domain"
)

func equalStates(got []State, want ...State) bool {
	return reflect.DeepEqual(got, want)
}

func TestManager_OfferAnswer(t *testing.T) {
	b := newBus(t)
	alice := newParticipant(t, b, "alice", Config{})
	bob := newParticipant(t, b, "bob", Config{})
	alice.m.AddLocalTrack(fakeTrack{id: "alice-cam", stream: "alice"})
	bob.m.AddLocalTrack(fakeTrack{id: "bob-cam", stream: "bob"})

	alice.m.Connect("bob")

	waitFor(t, "both links connected", func() bool {
		return alice.reached("bob", StateConnected) && bob.reached("alice", StateConnected)
	})

	if got := alice.rec.statesFor("bob"); !equalStates(got, StateNew, StateOffering, StateConnected) {
		t.Fatalf("alice states=%v", got)
	}
	if got := bob.rec.statesFor("alice"); !equalStates(got, StateNew, StateAnswering, StateConnected) {
		t.Fatalf("bob states=%v", got)
	}

	want := []domain.PayloadKind{domain.PayloadOffer, domain.PayloadICECandidate}
	if got := b.kinds("alice", "bob"); !reflect.DeepEqual(got, want) {
		t.Fatalf("alice sent %v, want %v", got, want)
	}
	want = []domain.PayloadKind{domain.PayloadAnswer, domain.PayloadICECandidate}
	if got := b.kinds("bob", "alice"); !reflect.DeepEqual(got, want) {
		t.Fatalf("bob sent %v, want %v", got, want)
	}

	waitFor(t, "remote tracks", func() bool {
		return len(alice.rec.tracksFrom("bob")) == 1 && len(bob.rec.tracksFrom("alice")) == 1
	})
	if got := alice.rec.tracksFrom("bob"); got[0] != "bob-cam" {
		t.Fatalf("alice received %v", got)
	}
	if got := bob.rec.tracksFrom("alice"); got[0] != "alice-cam" {
		t.Fatalf("bob received %v", got)
	}
	assertRemoteStream(t, alice.m, "bob", "bob-cam")
	assertRemoteStream(t, bob.m, "alice", "alice-cam")

	waitFor(t, "bob applies the offer candidate", bob.applied("alice", 0, 1))
	waitFor(t, "alice applies the answer candidate", alice.applied("bob", 0, 1))
}

func TestManager_GlareLeavesOneLinkPerPair(t *testing.T) {
	b := newBus(t)
	alice := newParticipant(t, b, "alice", Config{})
	bob := newParticipant(t, b, "bob", Config{})
	alice.m.AddLocalTrack(fakeTrack{id: "alice-cam", stream: "alice"})
	bob.m.AddLocalTrack(fakeTrack{id: "bob-cam", stream: "bob"})

	b.pause()
	roster := []string{"alice", "bob"}
	alice.m.HandleRoster(roster)
	bob.m.HandleRoster(roster)
	waitFor(t, "crossing offers", func() bool {
		return alice.state("bob") == StateOffering && bob.state("alice") == StateOffering
	})
	b.resume()

	waitFor(t, "both links connected", func() bool {
		return alice.reached("bob", StateConnected) && bob.reached("alice", StateConnected)
	})
	waitFor(t, "alice applies the answer candidate", alice.applied("bob", 0, 1))
	waitFor(t, "bob applies the offer candidate", bob.applied("alice", 1, 1))

	if got := alice.m.Peers(); !reflect.DeepEqual(got, map[string]State{"bob": StateConnected}) {
		t.Fatalf("alice peers=%v", got)
	}
	if got := bob.m.Peers(); !reflect.DeepEqual(got, map[string]State{"alice": StateConnected}) {
		t.Fatalf("bob peers=%v", got)
	}

	// The smaller ID keeps its offer; the other side abandons and answers.
	if n := len(alice.factory.transports("bob")); n != 1 {
		t.Fatalf("alice created %d transports, want 1", n)
	}
	bobTransports := bob.factory.transports("alice")
	if len(bobTransports) != 2 {
		t.Fatalf("bob created %d transports, want 2", len(bobTransports))
	}
	if _, _, _, closed := bobTransports[0].snapshot(); !closed {
		t.Fatal("abandoned transport still open")
	}

	aliceLocal, aliceRemote, _, _ := alice.factory.transports("bob")[0].snapshot()
	bobLocal, bobRemote, _, _ := bobTransports[1].snapshot()
	if aliceRemote != bobLocal || bobRemote != aliceLocal {
		t.Fatalf("transports not paired: alice %q/%q bob %q/%q", aliceLocal, aliceRemote, bobLocal, bobRemote)
	}

	if n := alice.rec.count("bob", domain.ErrRaceAbandoned); n != 1 {
		t.Fatalf("alice race reports=%d", n)
	}
	if n := bob.rec.count("alice", domain.ErrRaceAbandoned); n != 1 {
		t.Fatalf("bob race reports=%d", n)
	}
	if n := alice.rec.count("bob", domain.ErrNegotiationFailure) + bob.rec.count("alice", domain.ErrNegotiationFailure); n != 0 {
		t.Fatalf("unexpected negotiation failures: %d", n)
	}

	if got := bob.rec.statesFor("alice"); !equalStates(got, StateNew, StateOffering, StateNew, StateAnswering, StateConnected) {
		t.Fatalf("bob states=%v", got)
	}

	waitFor(t, "remote tracks", func() bool {
		return len(alice.rec.tracksFrom("bob")) == 1 && len(bob.rec.tracksFrom("alice")) == 1
	})
	assertRemoteStream(t, alice.m, "bob", "bob-cam")
	assertRemoteStream(t, bob.m, "alice", "alice-cam")
}

func assertRemoteStream(t *testing.T, m *Manager, remoteID, wantTrack string) {
	t.Helper()
	l, ok := m.Link(remoteID)
	if !ok {
		t.Fatalf("%s: no link to %s", m.LocalID(), remoteID)
	}
	track, ok := l.RemoteStream()
	if !ok {
		t.Fatalf("%s: no remote stream from %s", m.LocalID(), remoteID)
	}
	if track.ID() != wantTrack || track.StreamID() == "" {
		t.Fatalf("%s: remote stream from %s = %s/%s, want %s", m.LocalID(), remoteID, track.ID(), track.StreamID(), wantTrack)
	}
}

func TestManager_FullMesh(t *testing.T) {
	b := newBus(t)
	ids := []string{"ana", "ben", "cai", "dot"}
	peers := make([]*participant, len(ids))
	for i, id := range ids {
		peers[i] = newParticipant(t, b, id, Config{})
	}

	// Participants join one at a time, each seeing the roster so far while
	// earlier members learn of it.
	for i := range peers {
		peers[i].m.HandleRoster(ids[:i+1])
		for j := 0; j < i; j++ {
			peers[j].m.Connect(ids[i])
		}
	}

	waitFor(t, "every pair connected", func() bool {
		for i, p := range peers {
			for j, id := range ids {
				if i != j && p.state(id) != StateConnected {
					return false
				}
			}
		}
		return true
	})
	for i, p := range peers {
		if n := len(p.m.Peers()); n != len(ids)-1 {
			t.Fatalf("%s has %d links", ids[i], n)
		}
	}
}

func TestManager_RemoteRestart(t *testing.T) {
	b := newBus(t)
	alice := newParticipant(t, b, "alice", Config{})
	bob := newParticipant(t, b, "bob", Config{})

	alice.m.Connect("bob")
	waitFor(t, "first connection", func() bool {
		return alice.state("bob") == StateConnected && bob.state("alice") == StateConnected
	})

	alice.m.Close("bob")
	alice.m.Connect("bob")
	waitFor(t, "second connection", func() bool {
		return alice.state("bob") == StateConnected && len(bob.factory.transports("alice")) == 2 && bob.state("alice") == StateConnected
	})

	bt := bob.factory.transports("alice")
	if _, _, _, closed := bt[0].snapshot(); !closed {
		t.Fatal("stale transport not closed")
	}
	_, aliceRemote, _, _ := alice.factory.transports("bob")[1].snapshot()
	bobLocal, _, _, _ := bt[1].snapshot()
	if aliceRemote != bobLocal {
		t.Fatalf("alice applied %q, bob answered %q", aliceRemote, bobLocal)
	}
}

func TestManager_CandidatesWaitForRemoteDescription(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{})

	p.m.Connect("remote")
	waitFor(t, "offering", func() bool { return p.state("remote") == StateOffering })

	mid := "0"
	candidate := func(n int) domain.SignalMessage {
		c := domain.ICECandidate{Candidate: fmt.Sprintf("candidate:%d", n), SDPMid: &mid}
		msg, err := domain.NewSignal("remote", "alice", domain.CandidatePayload(c))
		if err != nil {
			t.Fatalf("NewSignal: %v", err)
		}
		return msg
	}
	answer, err := domain.NewSignal("remote", "alice", domain.AnswerPayload("answer|remote#0|"))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}

	p.m.HandleSignal(candidate(1))
	p.m.HandleSignal(candidate(2))
	p.m.HandleSignal(answer)
	waitFor(t, "connected", func() bool { return p.state("remote") == StateConnected })

	tr := p.factory.transports("remote")[0]
	if _, _, n, _ := tr.snapshot(); n != 2 {
		t.Fatalf("applied %d queued candidates, want 2", n)
	}

	p.m.HandleSignal(candidate(3))
	waitFor(t, "late candidate", func() bool {
		_, _, n, _ := tr.snapshot()
		return n == 3
	})
	if errs := p.rec.errorsFor("remote"); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestManager_IgnoresSignalsWithoutLink(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{})

	mid := "0"
	cand, _ := domain.NewSignal("stranger", "alice", domain.CandidatePayload(domain.ICECandidate{Candidate: "candidate:1", SDPMid: &mid}))
	ans, _ := domain.NewSignal("stranger", "alice", domain.AnswerPayload("answer|x|"))
	other, _ := domain.NewSignal("stranger", "carol", domain.OfferPayload("offer|x|"))
	p.m.HandleSignal(cand)
	p.m.HandleSignal(ans)
	p.m.HandleSignal(other)
	p.m.HandleSignal(domain.SignalMessage{SenderID: "stranger", RecipientID: "alice", Payload: []byte(`{"kind":"bogus"}`)})

	if peers := p.m.Peers(); len(peers) != 0 {
		t.Fatalf("peers=%v", peers)
	}
}

func TestManager_LocalTracksAttachExactlyOnce(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{})
	p.m.AddLocalTrack(fakeTrack{id: "mic", stream: "alice"})

	var wg sync.WaitGroup
	for _, id := range []string{"x", "y", "z"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.m.Connect(id)
		}(id)
	}
	for _, id := range []string{"cam", "screen", "cam"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.m.AddLocalTrack(fakeTrack{id: id, stream: "alice"})
		}(id)
	}
	wg.Wait()
	p.m.Connect("w")
	p.m.AddLocalTrack(fakeTrack{id: "mic", stream: "alice"})

	for _, remote := range []string{"x", "y", "z", "w"} {
		tr := p.factory.transports(remote)
		if len(tr) != 1 {
			t.Fatalf("%s: %d transports", remote, len(tr))
		}
		tr[0].mu.Lock()
		counts := make(map[string]int, len(tr[0].attachCount))
		for k, v := range tr[0].attachCount {
			counts[k] = v
		}
		tr[0].mu.Unlock()
		want := map[string]int{"mic": 1, "cam": 1, "screen": 1}
		if !reflect.DeepEqual(counts, want) {
			t.Fatalf("%s attach counts=%v, want %v", remote, counts, want)
		}
	}

	p.m.RemoveLocalTrack("screen")
	p.m.Connect("v")
	for _, remote := range []string{"x", "v"} {
		l, ok := p.m.Link(remote)
		if !ok {
			t.Fatalf("no link to %s", remote)
		}
		for _, id := range l.AttachedTracks() {
			if id == "screen" {
				t.Fatalf("%s still carries removed track", remote)
			}
		}
	}
}

func TestManager_FailedAttachIsNotRecorded(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{})
	errNoSender := errors.New("no sender")
	p.factory.attachErr = errNoSender

	p.m.Connect("bob")
	p.m.AddLocalTrack(fakeTrack{id: "cam", stream: "alice"})

	errs := p.rec.errorsFor("bob")
	if len(errs) != 1 || !errors.Is(errs[0], errNoSender) {
		t.Fatalf("errors=%v", errs)
	}
	l, ok := p.m.Link("bob")
	if !ok {
		t.Fatal("no link to bob")
	}
	if got := l.AttachedTracks(); len(got) != 0 {
		t.Fatalf("attached=%v after failed attach", got)
	}

	// Removing the track must not try to unbind it.
	tr := p.factory.transports("bob")[0]
	p.m.RemoveLocalTrack("cam")
	if errs := p.rec.errorsFor("bob"); len(errs) != 1 {
		t.Fatalf("errors after remove=%v", errs)
	}

	tr.mu.Lock()
	tr.attachErr = nil
	tr.mu.Unlock()
	p.m.AddLocalTrack(fakeTrack{id: "cam", stream: "alice"})
	if got := l.AttachedTracks(); !reflect.DeepEqual(got, []string{"cam"}) {
		t.Fatalf("attached=%v after retry", got)
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{})

	p.m.Close("nobody")
	p.m.Connect("x")
	waitFor(t, "offering", func() bool { return p.state("x") == StateOffering })

	p.m.Close("x")
	p.m.Close("x")

	if _, ok := p.m.Link("x"); ok {
		t.Fatal("closed link still registered")
	}
	if _, _, _, closed := p.factory.transports("x")[0].snapshot(); !closed {
		t.Fatal("transport not closed")
	}
	closes := 0
	for _, s := range p.rec.statesFor("x") {
		if s == StateClosed {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("CLOSED reported %d times", closes)
	}

	// A later membership event creates a new link.
	p.m.Connect("x")
	if n := len(p.factory.transports("x")); n != 2 {
		t.Fatalf("transports=%d, want 2", n)
	}

	p.m.CloseAll()
	p.m.CloseAll()
	if peers := p.m.Peers(); len(peers) != 0 {
		t.Fatalf("peers after CloseAll=%v", peers)
	}
	p.m.Connect("y")
	if n := p.rec.count("y", domain.ErrLinkClosed); n != 1 {
		t.Fatalf("connect after CloseAll: %v", p.rec.errorsFor("y"))
	}
}

func TestManager_NegotiationFailureClosesOnlyThatLink(t *testing.T) {
	b := newBus(t)
	alice := newParticipant(t, b, "alice", Config{})
	bob := newParticipant(t, b, "bob", Config{})
	bob.factory.rejectRemote = true

	bob.m.Connect("carol")
	waitFor(t, "unrelated offer", func() bool { return bob.state("carol") == StateOffering })
	alice.m.Connect("bob")

	waitFor(t, "failure reported", func() bool {
		return bob.rec.count("alice", domain.ErrNegotiationFailure) == 1
	})
	waitFor(t, "failed link removed", func() bool {
		_, ok := bob.m.Link("alice")
		return !ok
	})
	if got := bob.rec.statesFor("alice"); got[len(got)-1] != StateClosed {
		t.Fatalf("bob states=%v", got)
	}
	if s := bob.state("carol"); s != StateOffering {
		t.Fatalf("unrelated link state=%s", s)
	}

	var le *domain.LinkError
	if err := bob.rec.errorsFor("alice")[0]; !errors.As(err, &le) || le.RemoteID != "alice" {
		t.Fatalf("error=%v", err)
	}
}

func TestManager_TransportFailure(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{})

	p.m.Connect("x")
	waitFor(t, "offering", func() bool { return p.state("x") == StateOffering })
	p.factory.transports("x")[0].onState(domain.TransportFailed)

	waitFor(t, "link closed", func() bool {
		_, ok := p.m.Link("x")
		return !ok
	})
	if n := p.rec.count("x", domain.ErrNegotiationFailure); n != 1 {
		t.Fatalf("errors=%v", p.rec.errorsFor("x"))
	}
}

func TestManager_NegotiationTimeout(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{NegotiationTimeout: 50 * time.Millisecond})

	p.m.Connect("ghost")
	waitFor(t, "timeout", func() bool {
		return p.rec.count("ghost", domain.ErrNegotiationTimeout) == 1
	})
	if _, ok := p.m.Link("ghost"); ok {
		t.Fatal("timed out link still registered")
	}
	if n := p.rec.count("ghost", domain.ErrNegotiationFailure); n != 1 {
		t.Fatal("timeout should count as a negotiation failure")
	}
}

type staticSource struct {
	tracks []domain.LocalTrack
	err    error
}

func (s staticSource) Acquire(context.Context) ([]domain.LocalTrack, error) {
	return s.tracks, s.err
}

func TestManager_StartLocalMedia(t *testing.T) {
	b := newBus(t)
	p := newParticipant(t, b, "alice", Config{})

	_, err := p.m.StartLocalMedia(context.Background(), staticSource{err: errors.New("permission denied")})
	if !errors.Is(err, domain.ErrMediaAcquisitionDenied) {
		t.Fatalf("err=%v", err)
	}

	src := staticSource{tracks: []domain.LocalTrack{
		fakeTrack{id: "mic", stream: "alice"},
		fakeTrack{id: "cam", stream: "alice"},
	}}
	tracks, err := p.m.StartLocalMedia(context.Background(), src)
	if err != nil || len(tracks) != 2 {
		t.Fatalf("tracks=%v err=%v", tracks, err)
	}

	p.m.Connect("x")
	l, _ := p.m.Link("x")
	if n := len(l.AttachedTracks()); n != 2 {
		t.Fatalf("attached=%d", n)
	}

	p.m.StopLocalMedia()
	if n := len(l.AttachedTracks()); n != 0 {
		t.Fatalf("attached after stop=%d", n)
	}
}
