package viewer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
	"livecast/native/internal/peertest"
	"livecast/native/internal/relay"
	"livecast/native/internal/signal"
)

// fakeSurface records what the viewer renders.
type fakeSurface struct {
	mu       sync.Mutex
	attached int
	detached int
}

func (s *fakeSurface) Attach(*pion.TrackRemote) {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
}

func (s *fakeSurface) Detach() {
	s.mu.Lock()
	s.detached++
	s.mu.Unlock()
}

func (s *fakeSurface) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached, s.detached
}

type harness struct {
	t       *testing.T
	factory *peertest.Factory
	surface *fakeSurface
	v       *Viewer
	probe   *signal.Channel
	inbox   chan domain.Message

	mu     sync.Mutex
	loaded int
	gaveUp []error
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	bus := relay.NewBus()
	h := &harness{
		t:       t,
		factory: peertest.NewFactory(),
		surface: &fakeSurface{},
		inbox:   make(chan domain.Message, 64),
	}
	var n int
	opts := Options{
		SessionID:          "s1",
		Mode:               domain.ModeVideo,
		Factory:            h.factory,
		Medium:             bus.Client(),
		Surface:            h.surface,
		ReconnectDelay:     30 * time.Millisecond,
		NegotiationTimeout: time.Hour,
		NewID: func() string {
			n++
			return fmt.Sprintf("v%d", n)
		},
		OnLoaded: func() {
			h.mu.Lock()
			h.loaded++
			h.mu.Unlock()
		},
		OnGiveUp: func(err error) {
			h.mu.Lock()
			h.gaveUp = append(h.gaveUp, err)
			h.mu.Unlock()
		},
		Logger: zerolog.Nop(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h.v = New(opts)
	t.Cleanup(h.v.Close)

	h.probe = signal.NewChannel(bus.Client(), domain.Session{ID: "s1", Mode: domain.ModeVideo}, zerolog.Nop())
	if err := h.probe.Subscribe(context.Background(), func(m domain.Message) { h.inbox <- m }); err != nil {
		t.Fatalf("probe subscribe: %v", err)
	}
	return h
}

func (h *harness) join() {
	h.t.Helper()
	if err := h.v.Join(context.Background()); err != nil {
		h.t.Fatalf("join: %v", err)
	}
}

func (h *harness) send(msg domain.Message) {
	h.t.Helper()
	if err := h.probe.Send(context.Background(), msg); err != nil {
		h.t.Fatalf("send %s: %v", msg.Type, err)
	}
}

func (h *harness) expect(typ domain.MessageType) domain.Message {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-h.inbox:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			h.t.Fatalf("no %s message", typ)
		}
	}
}

func (h *harness) expectNone(typ domain.MessageType, within time.Duration) {
	h.t.Helper()
	deadline := time.After(within)
	for {
		select {
		case m := <-h.inbox:
			if m.Type == typ {
				h.t.Fatalf("unexpected %s message %+v", typ, m)
			}
		case <-deadline:
			return
		}
	}
}

// connect plays the broadcaster's part up to a connected peer.
func (h *harness) connect(offer string) *peertest.Peer {
	h.t.Helper()
	id := h.v.ID()
	h.send(domain.Offer(id, offer))
	a := h.expect(domain.TypeAnswer)
	if a.ViewerID != id {
		h.t.Fatalf("answer from %q, want %q", a.ViewerID, id)
	}
	p := h.factory.Last()
	p.SetState(domain.StateConnected)
	eventually(h.t, "connected", func() bool { return h.v.State() == domain.StateConnected })
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoin_AnswersOffer(t *testing.T) {
	h := newHarness(t)
	h.join()

	joined := h.expect(domain.TypeViewerJoined)
	if joined.ViewerID != "v1" || h.v.ID() != "v1" {
		t.Fatalf("joined as %q, ID() = %q", joined.ViewerID, h.v.ID())
	}

	h.send(domain.Offer("v1", "offer:b0:0"))
	a := h.expect(domain.TypeAnswer)
	if a.ViewerID != "v1" || a.SDP != "answer:offer:b0:0" {
		t.Errorf("answer = %+v", a)
	}

	peer := h.factory.Last()
	peer.EmitCandidate(domain.ICECandidate{Candidate: "candidate:local"})
	c := h.expect(domain.TypeICECandidate)
	if c.Target != domain.TargetBroadcaster || c.ViewerID != "v1" {
		t.Errorf("candidate message = %+v", c)
	}

	h.send(domain.CandidateForViewer("v1", domain.ICECandidate{Candidate: "candidate:remote"}))
	eventually(t, "candidate applied", func() bool { return len(peer.Candidates()) == 1 })

	peer.EmitTrack(nil)
	peer.EmitTrack(nil)
	eventually(t, "tracks attached", func() bool { n, _ := h.surface.counts(); return n == 2 })
	h.mu.Lock()
	loaded := h.loaded
	h.mu.Unlock()
	if loaded != 1 {
		t.Errorf("OnLoaded fired %d times, want 1", loaded)
	}
}

func TestStaleMessagesIgnored(t *testing.T) {
	h := newHarness(t)
	h.join()
	h.expect(domain.TypeViewerJoined)

	h.send(domain.Offer("someone-else", "offer:b0:0"))
	h.send(domain.CandidateForViewer("someone-else", domain.ICECandidate{Candidate: "candidate:x"}))
	// A candidate from another viewer is addressed to the broadcaster.
	h.send(domain.CandidateForBroadcaster("v1", domain.ICECandidate{Candidate: "candidate:y"}))
	h.expectNone(domain.TypeAnswer, 100*time.Millisecond)

	peer := h.factory.Last()
	if peer.RemoteOffer() != "" || len(peer.Candidates()) != 0 {
		t.Error("viewer applied messages that were not for it")
	}
}

func TestOffer_NewBroadcasterSessionReplacesPeer(t *testing.T) {
	h := newHarness(t)
	h.join()
	h.expect(domain.TypeViewerJoined)

	h.send(domain.Offer("v1", "offer:b0:0"))
	h.expect(domain.TypeAnswer)
	first := h.factory.Last()

	// An ICE restart from the same broadcaster connection stays on the peer.
	h.send(domain.Offer("v1", "offer:b0:1"))
	h.expect(domain.TypeAnswer)
	if h.factory.Count() != 1 || first.RemoteOffer() != "offer:b0:1" {
		t.Fatalf("restart offer not applied in place")
	}

	// The new broadcaster connection's candidate overtakes its offer.
	h.send(domain.CandidateForViewer("v1", domain.ICECandidate{Candidate: "candidate:new"}))
	h.send(domain.Offer("v1", "offer:b1:0"))
	a := h.expect(domain.TypeAnswer)
	if a.SDP != "answer:offer:b1:0" || a.ViewerID != "v1" {
		t.Errorf("answer = %+v", a)
	}

	second := h.factory.Last()
	if h.factory.Count() != 2 || !first.Closed() {
		t.Fatal("old peer not replaced")
	}
	if h.v.ID() != "v1" {
		t.Errorf("id changed to %q", h.v.ID())
	}
	// Delivery order is not guaranteed, so the candidate reaches the new
	// peer either by replay or directly.
	eventually(t, "candidate on new peer", func() bool { return len(second.Candidates()) == 1 })
	if c := second.Candidates()[0]; c.Candidate != "candidate:new" {
		t.Errorf("candidate = %+v", c)
	}
}

// lockedBuffer collects log output written from the event loop.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOffer_ReplayKeepsGoingPastRejectedCandidate(t *testing.T) {
	logs := &lockedBuffer{}
	h := newHarness(t, func(o *Options) { o.Logger = zerolog.New(logs) })
	h.join()
	h.expect(domain.TypeViewerJoined)

	h.send(domain.Offer("v1", "offer:b0:0"))
	h.expect(domain.TypeAnswer)
	first := h.factory.Last()

	h.send(domain.CandidateForViewer("v1", domain.ICECandidate{Candidate: "candidate:bad"}))
	h.send(domain.CandidateForViewer("v1", domain.ICECandidate{Candidate: "candidate:good"}))
	eventually(t, "candidates on first peer", func() bool { return len(first.Candidates()) == 2 })

	h.factory.RejectCandidate("candidate:bad", errors.New("malformed candidate"))
	h.send(domain.Offer("v1", "offer:b1:0"))
	if a := h.expect(domain.TypeAnswer); a.SDP != "answer:offer:b1:0" {
		t.Errorf("answer = %+v", a)
	}

	second := h.factory.Last()
	if got := second.Candidates(); len(got) != 1 || got[0].Candidate != "candidate:good" {
		t.Errorf("replayed candidates = %+v", got)
	}
	out := logs.String()
	if !strings.Contains(out, "replay candidate failed") || !strings.Contains(out, "malformed candidate") {
		t.Errorf("rejected replay not logged:\n%s", out)
	}
}

func TestReconnect_OneRestartAndOneRejoinPerEpisode(t *testing.T) {
	h := newHarness(t)
	h.join()
	h.expect(domain.TypeViewerJoined)
	peer := h.connect("offer:b0:0")

	peer.SetState(domain.StateDisconnected)
	peer.SetICEState(domain.StateDisconnected)
	peer.SetState(domain.StateFailed)

	// Notices are delivered concurrently, so collect until each kind has
	// shown up and then a little longer for duplicates.
	var restarts, lefts, joins []domain.Message
	collect := func(m domain.Message) {
		switch m.Type {
		case domain.TypeRestartICE:
			restarts = append(restarts, m)
		case domain.TypeViewerLeft:
			lefts = append(lefts, m)
		case domain.TypeViewerJoined:
			joins = append(joins, m)
		}
	}
	deadline := time.After(2 * time.Second)
	for len(restarts) == 0 || len(lefts) == 0 || len(joins) == 0 {
		select {
		case m := <-h.inbox:
			collect(m)
		case <-deadline:
			t.Fatalf("restarts = %+v, leaves = %+v, joins = %+v", restarts, lefts, joins)
		}
	}
	settle := time.After(100 * time.Millisecond)
	for settling := true; settling; {
		select {
		case m := <-h.inbox:
			collect(m)
		case <-settle:
			settling = false
		}
	}

	if len(restarts) != 1 || restarts[0].ViewerID != "v1" {
		t.Errorf("restart requests = %+v, want one from v1", restarts)
	}
	if len(lefts) != 1 || lefts[0].ViewerID != "v1" {
		t.Errorf("leave notices = %+v, want one from v1", lefts)
	}
	if len(joins) != 1 || joins[0].ViewerID != "v2" {
		t.Errorf("rejoins = %+v, want one under a new id", joins)
	}

	if h.factory.Count() != 2 {
		t.Errorf("created %d peers, want 2", h.factory.Count())
	}
	if !peer.Closed() {
		t.Error("old peer not closed")
	}
	if h.v.ID() != "v2" {
		t.Errorf("ID() = %q", h.v.ID())
	}

	// Late callbacks from the old peer are ignored.
	peer.SetState(domain.StateFailed)
	h.expectNone(domain.TypeRestartICE, 50*time.Millisecond)
}

func TestReconnect_RecoveryCancelsRejoin(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReconnectDelay = 200 * time.Millisecond })
	h.join()
	h.expect(domain.TypeViewerJoined)
	peer := h.connect("offer:b0:0")

	peer.SetState(domain.StateDisconnected)
	h.expect(domain.TypeRestartICE)

	h.send(domain.Offer("v1", "offer:b0:1"))
	h.expect(domain.TypeAnswer)
	peer.SetState(domain.StateConnected)

	h.expectNone(domain.TypeViewerJoined, 300*time.Millisecond)
	if h.factory.Count() != 1 {
		t.Error("rejoined although the connection recovered")
	}
	if h.v.State() != domain.StateConnected {
		t.Errorf("state = %s", h.v.State())
	}

	// A later episode asks for a restart again.
	peer.SetState(domain.StateDisconnected)
	h.expect(domain.TypeRestartICE)
}

func TestReconnect_NegotiationDeadline(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NegotiationTimeout = 30 * time.Millisecond })
	h.join()
	h.expect(domain.TypeViewerJoined)

	// No broadcaster answers; the viewer tries again under a new id.
	joined := h.expect(domain.TypeViewerJoined)
	if joined.ViewerID != "v2" {
		t.Errorf("rejoined as %q", joined.ViewerID)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.NegotiationTimeout = 20 * time.Millisecond
		o.MaxReconnectAttempts = 2
	})
	h.join()

	eventually(t, "give up", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.gaveUp) > 0
	})
	h.mu.Lock()
	err := h.gaveUp[0]
	h.mu.Unlock()
	if !errors.Is(err, domain.ErrReconnectExhausted) {
		t.Errorf("gave up with %v", err)
	}
	if n := h.factory.Count(); n != 3 {
		t.Errorf("created %d peers, want the first plus 2 rejoins", n)
	}
	for _, p := range h.factory.Peers() {
		if !p.Closed() {
			t.Errorf("peer %d left open", p.Index())
		}
	}
	if h.v.State() != domain.StateFailed {
		t.Errorf("state = %s", h.v.State())
	}

	time.Sleep(60 * time.Millisecond)
	if n := h.factory.Count(); n != 3 {
		t.Errorf("kept rejoining after giving up: %d peers", n)
	}
}

func TestBackoff(t *testing.T) {
	v := &Viewer{opts: Options{ReconnectDelay: 2 * time.Second, MaxReconnectDelay: 30 * time.Second}}
	want := []time.Duration{2, 4, 8, 16, 30, 30, 30}
	for attempts, w := range want {
		v.attempts = attempts
		if got := v.backoff(); got != w*time.Second {
			t.Errorf("backoff after %d attempts = %s, want %s", attempts, got, w*time.Second)
		}
	}
}

func TestLeave_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.join()
	h.expect(domain.TypeViewerJoined)
	peer := h.factory.Last()

	h.v.Leave()
	h.v.Leave()

	left := h.expect(domain.TypeViewerLeft)
	if left.ViewerID != "v1" {
		t.Errorf("left as %q", left.ViewerID)
	}
	h.expectNone(domain.TypeViewerLeft, 50*time.Millisecond)
	if !peer.Closed() {
		t.Error("peer left open")
	}
	if _, detached := h.surface.counts(); detached != 1 {
		t.Errorf("surface detached %d times", detached)
	}

	// Offers for the old id no longer reach anything.
	h.send(domain.Offer("v1", "offer:b0:0"))
	h.expectNone(domain.TypeAnswer, 50*time.Millisecond)

	h.join()
	if j := h.expect(domain.TypeViewerJoined); j.ViewerID != "v2" {
		t.Errorf("joined again as %q", j.ViewerID)
	}
}

type failingMedium struct{}

func (failingMedium) Subscribe(context.Context, string, func([]byte)) error {
	return errors.New("relay unreachable")
}
func (failingMedium) Publish(context.Context, string, []byte) error { return nil }
func (failingMedium) Unsubscribe(string) error                      { return nil }
func (failingMedium) Close() error                                  { return nil }

func TestJoin_Errors(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Medium = failingMedium{} })
	if err := h.v.Join(context.Background()); !errors.Is(err, domain.ErrSignalingSubscribe) {
		t.Errorf("join err = %v, want ErrSignalingSubscribe", err)
	}

	h = newHarness(t)
	h.factory.Fail(peertest.ErrInjected)
	if err := h.v.Join(context.Background()); !errors.Is(err, peertest.ErrInjected) {
		t.Errorf("join err = %v, want factory error", err)
	}

	h.v.Close()
	if err := h.v.Join(context.Background()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("join after close err = %v", err)
	}
}
