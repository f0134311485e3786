package capture

import (
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// Track is a captured local track. mediadevices tracks satisfy it.
type Track interface {
	pion.TrackLocal
	OnEnded(func(error))
	Close() error
}

// Stream is the set of tracks acquired for one broadcast. It is shared
// read-only by every peer and stopped once by its owner.
type Stream struct {
	tracks []Track

	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded func(error)
}

// NewStream wraps tracks and watches each for a spontaneous end.
func NewStream(tracks []Track) *Stream {
	s := &Stream{tracks: tracks}
	for _, t := range tracks {
		t.OnEnded(s.end)
	}
	return s
}

// Tracks returns the captured tracks.
func (s *Stream) Tracks() []Track {
	return s.tracks
}

// OnEnded registers fn to run the first time any track ends on its own.
// It does not run for tracks closed by Stop.
func (s *Stream) OnEnded(fn func(error)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

func (s *Stream) end(err error) {
	s.mu.Lock()
	if s.stopped || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Stop closes every track. Safe to call more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	for _, t := range s.tracks {
		t.Close()
	}
}

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
