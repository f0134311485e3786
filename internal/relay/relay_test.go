package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// collector gathers delivered payloads.
type collector struct {
	ch chan []byte
}

func newCollector() *collector { return &collector{ch: make(chan []byte, 64)} }

func (c *collector) deliver(p []byte) { c.ch <- p }

func (c *collector) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.ch:
		if string(got) != want {
			t.Fatalf("delivered %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (c *collector) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-c.ch:
		t.Fatalf("unexpected delivery %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

// exerciseMedium checks the contract shared by every medium: delivery to
// other subscribers, self-exclusion, topic isolation and unsubscribe.
func exerciseMedium(t *testing.T, a, b domain.Medium) {
	t.Helper()
	ctx := context.Background()

	fromA, fromB, other := newCollector(), newCollector(), newCollector()
	if err := a.Subscribe(ctx, "webrtc-video-s1", fromB.deliver); err != nil {
		t.Fatalf("a subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "webrtc-video-s1", fromA.deliver); err != nil {
		t.Fatalf("b subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "webrtc-video-s2", other.deliver); err != nil {
		t.Fatalf("b subscribe s2: %v", err)
	}

	if err := a.Publish(ctx, "webrtc-video-s1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fromA.expect(t, "hello")
	fromB.expectNothing(t)
	other.expectNothing(t)

	if err := b.Unsubscribe("webrtc-video-s1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	// Unsubscribe on the websocket medium is asynchronous on the hub side.
	time.Sleep(50 * time.Millisecond)
	if err := a.Publish(ctx, "webrtc-video-s1", []byte("again")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fromA.expectNothing(t)
}

func TestMemoryMedium(t *testing.T) {
	bus := NewBus()
	a, b := bus.Client(), bus.Client()
	defer a.Close()
	defer b.Close()

	exerciseMedium(t, a, b)
}

func TestMemoryMedium_ClosedClientRejects(t *testing.T) {
	c := NewBus().Client()
	c.Close()
	if err := c.Subscribe(context.Background(), "t", func([]byte) {}); err == nil {
		t.Error("subscribe on closed client succeeded")
	}
	if err := c.Publish(context.Background(), "t", nil); err == nil {
		t.Error("publish on closed client succeeded")
	}
}

func TestMemoryMedium_ResubscribeReplacesHandler(t *testing.T) {
	bus := NewBus()
	a, b := bus.Client(), bus.Client()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	first, second := newCollector(), newCollector()
	if err := b.Subscribe(ctx, "webrtc-voice-s1", first.deliver); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "webrtc-voice-s1", second.deliver); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	payload := []byte("offer")
	if err := a.Publish(ctx, "webrtc-voice-s1", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	copy(payload, "xxxxx")
	second.expect(t, "offer")
	first.expectNothing(t)
}

func TestRedisMedium(t *testing.T) {
	srv := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	a := NewRedis(newClient(), zerolog.Nop())
	b := NewRedis(newClient(), zerolog.Nop())
	defer a.Close()
	defer b.Close()

	exerciseMedium(t, a, b)
}

func TestRedisMedium_SubscribeFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	m := NewRedis(client, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Subscribe(ctx, "webrtc-video-s1", func([]byte) {}); err == nil {
		t.Fatal("subscribe against unreachable redis succeeded")
	}
}

func newHubServer(t *testing.T, allow func(string) bool) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, allow)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketMedium(t *testing.T) {
	hub, url := newHubServer(t, func(string) bool { return true })
	ctx := context.Background()

	a, err := DialWebSocket(ctx, url, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	b, err := DialWebSocket(ctx, url, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()

	exerciseMedium(t, a, b)

	if n := hub.Subscribers("webrtc-video-s2"); n != 1 {
		t.Errorf("hub subscribers = %d, want 1", n)
	}
}

func TestWebSocketMedium_SubscribeDenied(t *testing.T) {
	_, url := newHubServer(t, func(topic string) bool { return topic == "webrtc-video-mine" })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := DialWebSocket(ctx, url, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, "webrtc-video-mine", func([]byte) {}); err != nil {
		t.Fatalf("allowed subscribe failed: %v", err)
	}
	if err := c.Subscribe(ctx, "webrtc-video-theirs", func([]byte) {}); err == nil {
		t.Fatal("denied subscribe succeeded")
	}
}

func TestWebSocketMedium_ClosedRejects(t *testing.T) {
	_, url := newHubServer(t, func(string) bool { return true })
	c, err := DialWebSocket(context.Background(), url, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()
	c.Close()
	if err := c.Publish(context.Background(), "t", []byte("x")); err == nil {
		t.Error("publish after close succeeded")
	}
}
