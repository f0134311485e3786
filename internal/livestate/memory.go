package livestate

import (
	"context"
	"sync"

	"github.com/olebedev/emitter"

	"livecast/native/internal/domain"
)

var _ domain.LiveStore = (*MemoryStore)(nil)

// MemoryStore keeps live flags in process.
type MemoryStore struct {
	e *emitter.Emitter

	mu   sync.Mutex
	live map[string]bool
}

func NewMemoryStore() *MemoryStore {
	e := &emitter.Emitter{}
	e.Use("*", emitter.Void)
	return &MemoryStore{e: e, live: make(map[string]bool)}
}

func (s *MemoryStore) IsLive(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID], nil
}

func (s *MemoryStore) SetLive(_ context.Context, sessionID string, live bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[sessionID] = live
	s.e.Emit(eventTopic(sessionID), live)
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, sessionID string, notify func(bool)) (func(), error) {
	n := newNotifier(notify)
	topic := eventTopic(sessionID)
	ch := s.e.On(topic, func(ev *emitter.Event) {
		if len(ev.Args) == 1 {
			if live, ok := ev.Args[0].(bool); ok {
				n.push(live)
			}
		}
	})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.e.Off(topic, ch)
			n.stop()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-n.done:
		}
	}()
	return stop, nil
}

func eventTopic(sessionID string) string {
	return "live-events:" + sessionID
}
