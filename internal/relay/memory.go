package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/olebedev/emitter"

	"livecast/native/internal/domain"
)

// Compile-time interface check.
var _ domain.Medium = (*MemoryClient)(nil)

// Bus is an in-process relay. Every MemoryClient created from the same Bus
// sees the others' publications; delivery happens on a fresh goroutine per
// subscriber, so it carries no ordering guarantee.
type Bus struct {
	e *emitter.Emitter
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	e := &emitter.Emitter{}
	e.Use("*", emitter.Void)
	return &Bus{e: e}
}

// Client returns a new participant on the bus.
func (b *Bus) Client() *MemoryClient {
	return &MemoryClient{
		bus:  b,
		id:   uuid.NewString(),
		subs: make(map[string]<-chan emitter.Event),
	}
}

// MemoryClient is one participant on a Bus.
type MemoryClient struct {
	bus *Bus
	id  string

	mu     sync.Mutex
	subs   map[string]<-chan emitter.Event
	closed bool
}

var errClientClosed = errors.New("relay client closed")

// Subscribe delivers every payload other clients publish on topic, each
// on its own goroutine. A second Subscribe on the same topic replaces the
// first.
func (c *MemoryClient) Subscribe(_ context.Context, topic string, deliver func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	if old, ok := c.subs[topic]; ok {
		c.bus.e.Off(topic, old)
	}
	c.subs[topic] = c.bus.e.On(topic, func(ev *emitter.Event) {
		if len(ev.Args) != 2 {
			return
		}
		if from, _ := ev.Args[0].(string); from == c.id {
			return
		}
		payload, ok := ev.Args[1].([]byte)
		if !ok {
			return
		}
		go deliver(payload)
	})
	return nil
}

// Publish hands a copy of payload to every other client subscribed to
// topic. The client's own subscriptions do not see it.
func (c *MemoryClient) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClientClosed
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	c.bus.e.Emit(topic, c.id, data)
	return nil
}

// Unsubscribe stops delivery on topic. Unknown topics are ignored.
func (c *MemoryClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[topic]; ok {
		c.bus.e.Off(topic, ch)
		delete(c.subs, topic)
	}
	return nil
}

// Close drops every subscription; later Subscribe and Publish calls fail.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, ch := range c.subs {
		c.bus.e.Off(topic, ch)
	}
	c.subs = make(map[string]<-chan emitter.Event)
	c.closed = true
	return nil
}
