package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
	"livecast/native/internal/relay"
)

var testSession = domain.Session{ID: "chan1", Mode: domain.ModeVideo}

func TestChannel_RoundTrip(t *testing.T) {
	bus := relay.NewBus()
	a := NewChannel(bus.Client(), testSession, zerolog.Nop())
	b := NewChannel(bus.Client(), testSession, zerolog.Nop())
	ctx := context.Background()

	if a.Topic() != "webrtc-video-chan1" {
		t.Fatalf("topic = %q", a.Topic())
	}

	got := make(chan domain.Message, 4)
	if err := b.Subscribe(ctx, func(m domain.Message) { got <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := a.Subscribe(ctx, func(m domain.Message) { t.Errorf("sender received own message %+v", m) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := domain.Offer("viewer-1", "v=0\r\n")
	if err := a.Send(ctx, want); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-got:
		if m.Type != want.Type || m.TargetViewerID != want.TargetViewerID || m.SDP != want.SDP {
			t.Errorf("received %+v, want %+v", m, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	time.Sleep(50 * time.Millisecond)
}

func TestChannel_DropsUndecodablePayloads(t *testing.T) {
	bus := relay.NewBus()
	raw := bus.Client()
	ch := NewChannel(bus.Client(), testSession, zerolog.Nop())
	ctx := context.Background()

	got := make(chan domain.Message, 4)
	if err := ch.Subscribe(ctx, func(m domain.Message) { got <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	raw.Publish(ctx, testSession.Topic(), []byte("not json"))
	raw.Publish(ctx, testSession.Topic(), []byte(`{"type":"offer"}`))
	valid, _ := Encode(domain.ViewerJoined("v9"))
	raw.Publish(ctx, testSession.Topic(), valid)

	select {
	case m := <-got:
		if m.Type != domain.TypeViewerJoined || m.ViewerID != "v9" {
			t.Errorf("received %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message not delivered")
	}
	select {
	case m := <-got:
		t.Errorf("unexpected extra message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_SendRejectsInvalid(t *testing.T) {
	ch := NewChannel(relay.NewBus().Client(), testSession, zerolog.Nop())
	if err := ch.Send(context.Background(), domain.Message{Type: domain.TypeAnswer}); err == nil {
		t.Error("invalid message was sent")
	}
}

type failingMedium struct{}

func (failingMedium) Subscribe(context.Context, string, func([]byte)) error {
	return errors.New("401 unauthorized")
}
func (failingMedium) Publish(context.Context, string, []byte) error { return nil }
func (failingMedium) Unsubscribe(string) error                      { return nil }
func (failingMedium) Close() error                                  { return nil }

func TestChannel_SubscribeErrorIsWrapped(t *testing.T) {
	ch := NewChannel(failingMedium{}, testSession, zerolog.Nop())
	err := ch.Subscribe(context.Background(), func(domain.Message) {})
	if !errors.Is(err, domain.ErrSignalingSubscribe) {
		t.Fatalf("err = %v, want ErrSignalingSubscribe", err)
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ch := NewChannel(relay.NewBus().Client(), testSession, zerolog.Nop())
	if err := ch.Close(); err != nil {
		t.Fatalf("close before subscribe: %v", err)
	}
	if err := ch.Subscribe(context.Background(), func(domain.Message) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCodec_RoundTripCandidate(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := domain.CandidateForViewer("v1", domain.ICECandidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Candidate == nil || out.Candidate.Candidate != in.Candidate.Candidate || *out.Candidate.SDPMid != "0" {
		t.Errorf("decoded %+v", out)
	}
}
