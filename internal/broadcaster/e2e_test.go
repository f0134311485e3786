package broadcaster_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"livecast/native/internal/broadcaster"
	"livecast/native/internal/capture"
	"livecast/native/internal/domain"
	"livecast/native/internal/peertest"
	"livecast/native/internal/relay"
	"livecast/native/internal/viewer"
	"livecast/native/internal/webrtc"
)

type staticStrategy struct {
	stream *capture.Stream
}

func (s staticStrategy) Mode() domain.Mode { return domain.ModeVoice }

func (s staticStrategy) Acquire(context.Context) (*capture.Stream, error) { return s.stream, nil }

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func allConnected(vs []broadcaster.ViewerStatus, n int) bool {
	if len(vs) != n {
		return false
	}
	for _, v := range vs {
		if v.State != domain.StateConnected {
			return false
		}
	}
	return true
}

// Two viewers join one after the other over real peer connections.
func TestTwoViewersConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	factory, err := webrtc.NewFactory(webrtc.Config{IncludeLoopback: true, DisableMDNS: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	bus := relay.NewBus()

	track := peertest.NewTrack("audio")
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	b := broadcaster.New(broadcaster.Options{
		SessionID: "e2e",
		Factory:   factory,
		Medium:    bus.Client(),
		Strategy:  staticStrategy{stream: capture.NewStream([]capture.Track{track})},
		Logger:    zerolog.Nop(),
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop(context.Background())

	var loaded atomic.Int32
	join := func() *viewer.Viewer {
		v := viewer.New(viewer.Options{
			SessionID: "e2e",
			Mode:      domain.ModeVoice,
			Factory:   factory,
			Medium:    bus.Client(),
			OnLoaded:  func() { loaded.Add(1) },
			Logger:    zerolog.Nop(),
		})
		t.Cleanup(v.Close)
		if err := v.Join(context.Background()); err != nil {
			t.Fatalf("join: %v", err)
		}
		return v
	}

	v1 := join()
	waitFor(t, "first viewer connected", 15*time.Second, func() bool {
		return v1.State() == domain.StateConnected && allConnected(b.Viewers(), 1)
	})
	v2 := join()
	waitFor(t, "second viewer connected", 15*time.Second, func() bool {
		return v2.State() == domain.StateConnected && allConnected(b.Viewers(), 2)
	})

	vs := b.Viewers()
	if vs[0].ID == vs[1].ID {
		t.Errorf("viewers share an id: %+v", vs)
	}
	if v1.State() != domain.StateConnected {
		t.Error("first viewer disturbed by the second")
	}
	waitFor(t, "media on both viewers", 5*time.Second, func() bool { return loaded.Load() == 2 })
}

// A failed viewer connection ends with the viewer rejoining under a new id
// and the broadcaster serving that id.
func TestFailedViewerRejoins(t *testing.T) {
	bus := relay.NewBus()
	bf := peertest.NewFactory()
	vf := peertest.NewFactory()

	b := broadcaster.New(broadcaster.Options{
		SessionID: "d",
		Factory:   bf,
		Medium:    bus.Client(),
		Strategy:  staticStrategy{stream: capture.NewStream([]capture.Track{peertest.NewTrack("audio")})},
		Logger:    zerolog.Nop(),
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop(context.Background())

	var n atomic.Int32
	v := viewer.New(viewer.Options{
		SessionID:      "d",
		Mode:           domain.ModeVoice,
		Factory:        vf,
		Medium:         bus.Client(),
		ReconnectDelay: 30 * time.Millisecond,
		NewID:          func() string { return fmt.Sprintf("viewer-%d", n.Add(1)) },
		Logger:         zerolog.Nop(),
	})
	defer v.Close()
	if err := v.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, "first answer", 2*time.Second, func() bool {
		p := bf.Last()
		return p != nil && len(p.Answers()) == 1
	})
	bf.Last().SetState(domain.StateConnected)
	vf.Last().SetState(domain.StateConnected)
	waitFor(t, "connected", 2*time.Second, func() bool { return allConnected(b.Viewers(), 1) })

	first := vf.Last()
	first.SetState(domain.StateFailed)

	// The ICE restart is attempted but the fake connection stays failed.
	waitFor(t, "restart offer", 2*time.Second, func() bool { return bf.Peers()[0].Restarts() == 1 })

	waitFor(t, "rejoin", 2*time.Second, func() bool {
		vs := b.Viewers()
		return len(vs) == 1 && vs[0].ID == "viewer-2"
	})
	if !first.Closed() || !bf.Peers()[0].Closed() {
		t.Error("connections for the old id left open")
	}
	if v.ID() != "viewer-2" {
		t.Errorf("viewer id = %q", v.ID())
	}
}
