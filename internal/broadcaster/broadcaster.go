// Package broadcaster serves one captured stream to every viewer that joins
// the session, one peer connection per viewer.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livecast/native/internal/capture"
	"livecast/native/internal/domain"
	"livecast/native/internal/eventloop"
	"livecast/native/internal/signal"
)

const (
	DefaultKeepAliveInterval = 5 * time.Second
	sendTimeout              = 5 * time.Second
)

// LiveMarker persists the session's live flag.
type LiveMarker interface {
	MarkLive(ctx context.Context, sessionID string) error
	MarkOffline(ctx context.Context, sessionID string) error
}

// Options configures a Broadcaster. Factory, Medium and Strategy are
// required.
type Options struct {
	SessionID string
	Factory   domain.PeerFactory
	Medium    domain.Medium
	Strategy  capture.Strategy
	// Live is optional.
	Live LiveMarker

	KeepAliveInterval time.Duration
	Logger            zerolog.Logger
}

// ViewerStatus is a snapshot of one viewer connection.
type ViewerStatus struct {
	ID    string
	State domain.ConnectionState
}

// Broadcaster owns the capture of one session and a peer connection per
// viewer. Signaling and peer callbacks are handled on a single event loop.
type Broadcaster struct {
	opts    Options
	session domain.Session
	channel *signal.Channel
	loop    *eventloop.Loop
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned.
	viewers *registry
	stopped bool

	// markMu orders MarkLive in Start before MarkOffline in Stop.
	markMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopping bool
	live     bool
	stream   *capture.Stream
	stopOnce sync.Once
	done     chan struct{}
}

// New returns a broadcaster for opts.SessionID. Nothing is captured or
// subscribed until Start.
func New(opts Options) *Broadcaster {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	session := domain.Session{ID: opts.SessionID, Mode: opts.Strategy.Mode()}
	logger := opts.Logger.With().Str("component", "broadcaster").Str("session", session.Topic()).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Broadcaster{
		opts:    opts,
		session: session,
		channel: signal.NewChannel(opts.Medium, session, opts.Logger),
		loop:    eventloop.New(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		viewers: newRegistry(),
		done:    make(chan struct{}),
	}
}

// Session returns the session being broadcast.
func (b *Broadcaster) Session() domain.Session {
	return b.session
}

// Start captures media, subscribes to the session topic and marks the
// session live. Capture failures are domain.ErrCaptureDenied or
// domain.ErrDeviceUnavailable; a relay failure is
// domain.ErrSignalingSubscribe. If the capture ends on its own the
// broadcaster stops.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return domain.ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return errors.New("broadcaster already started")
	}
	b.started = true
	b.mu.Unlock()

	stream, err := b.opts.Strategy.Acquire(ctx)
	if err != nil {
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return fmt.Errorf("acquire media: %w", err)
	}
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		stream.Stop()
		return domain.ErrClosed
	}
	b.stream = stream
	b.mu.Unlock()

	stream.OnEnded(func(err error) {
		b.logger.Warn().Err(err).Msg("capture ended, stopping")
		go b.Stop(context.Background())
	})

	if err := b.channel.Subscribe(ctx, func(msg domain.Message) {
		b.loop.Post(func() { b.handle(msg) })
	}); err != nil {
		b.Stop(ctx)
		return err
	}

	b.markMu.Lock()
	defer b.markMu.Unlock()
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		if err := b.channel.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
		stream.Stop()
		return domain.ErrClosed
	}
	b.live = b.opts.Live != nil
	b.mu.Unlock()
	if b.opts.Live != nil {
		if err := b.opts.Live.MarkLive(ctx, b.session.ID); err != nil {
			b.logger.Warn().Err(err).Msg("mark live failed")
		}
	}
	b.logger.Info().Int("tracks", len(stream.Tracks())).Msg("broadcast started")
	return nil
}

// Stop closes every viewer connection, releases the capture and marks the
// session offline. Safe to call more than once and before Start.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

	b.stopOnce.Do(func() {
		if err := b.channel.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("unsubscribe failed")
		}

		b.loop.Do(func() {
			b.stopped = true
			b.viewers.forEach(func(c *viewerConn) {
				c.keepAlive.Stop()
				c.keepAlive = nil
				if err := c.peer.Close(); err != nil {
					b.logger.Warn().Err(err).Str("viewer_id", c.id).Msg("close peer failed")
				}
			})
			b.viewers = newRegistry()
		})
		b.loop.Close()
		b.cancel()

		b.mu.Lock()
		stream := b.stream
		b.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}

		b.markMu.Lock()
		b.mu.Lock()
		live := b.live
		b.mu.Unlock()
		if live {
			if err := b.opts.Live.MarkOffline(ctx, b.session.ID); err != nil {
				b.logger.Warn().Err(err).Msg("mark offline failed")
			}
		}
		b.markMu.Unlock()
		b.logger.Info().Msg("broadcast stopped")
		close(b.done)
	})
	return nil
}

// Done is closed once Stop has finished.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.done
}

// Viewers lists current viewer connections ordered by id.
func (b *Broadcaster) Viewers() []ViewerStatus {
	var out []ViewerStatus
	b.loop.Do(func() {
		b.viewers.forEach(func(c *viewerConn) {
			out = append(out, ViewerStatus{ID: c.id, State: c.state})
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Broadcaster) handle(msg domain.Message) {
	if b.stopped {
		return
	}
	switch msg.Type {
	case domain.TypeViewerJoined:
		b.onViewerJoined(msg.ViewerID)
	case domain.TypeAnswer:
		b.onAnswer(msg)
	case domain.TypeICECandidate:
		if msg.Target == domain.TargetBroadcaster {
			b.onCandidate(msg)
		}
	case domain.TypeRestartICE:
		b.onRestartICE(msg.ViewerID)
	case domain.TypeViewerLeft:
		if c := b.viewers.get(msg.ViewerID); c != nil {
			b.logger.Info().Str("viewer_id", c.id).Msg("viewer left")
			b.teardown(c)
		}
	}
}

func (b *Broadcaster) onViewerJoined(id string) {
	log := b.logger.With().Str("viewer_id", id).Logger()
	if old := b.viewers.get(id); old != nil {
		log.Info().Msg("viewer rejoined, replacing connection")
		b.teardown(old)
	}

	peer, err := b.opts.Factory.NewPeer()
	if err != nil {
		log.Error().Err(err).Msg("create peer failed")
		return
	}
	c := &viewerConn{id: id, peer: peer, state: domain.StateNew}

	for _, t := range b.stream.Tracks() {
		if err := peer.AddTrack(t); err != nil {
			log.Error().Err(err).Msg("attach track failed")
			peer.Close()
			return
		}
	}

	peer.OnICECandidate(func(cand domain.ICECandidate) {
		b.loop.Post(func() {
			if b.viewers.get(id) != c {
				return
			}
			b.send(domain.CandidateForViewer(id, cand))
		})
	})
	peer.OnConnectionStateChange(func(s domain.ConnectionState) {
		b.loop.Post(func() { b.onState(c, s) })
	})
	b.viewers.upsert(c)

	offer, err := peer.CreateOffer(false)
	if err != nil {
		log.Error().Err(err).Msg("create offer failed")
		b.teardown(c)
		return
	}
	b.send(domain.Offer(id, offer))
	b.armKeepAlive(c)
	log.Info().Int("viewers", b.viewers.len()).Msg("offer sent")
}

func (b *Broadcaster) onAnswer(msg domain.Message) {
	c := b.viewers.get(msg.ViewerID)
	if c == nil {
		b.logger.Debug().Str("viewer_id", msg.ViewerID).Msg("answer for unknown viewer")
		return
	}
	if err := c.peer.AcceptAnswer(msg.SDP); err != nil {
		b.logger.Warn().Err(err).Str("viewer_id", c.id).Msg("apply answer failed")
	}
}

func (b *Broadcaster) onCandidate(msg domain.Message) {
	c := b.viewers.get(msg.ViewerID)
	if c == nil {
		b.logger.Debug().Str("viewer_id", msg.ViewerID).Msg("candidate for unknown viewer")
		return
	}
	if err := c.peer.AddICECandidate(*msg.Candidate); err != nil {
		b.logger.Warn().Err(err).Str("viewer_id", c.id).Msg("apply candidate failed")
	}
}

func (b *Broadcaster) onRestartICE(id string) {
	c := b.viewers.get(id)
	if c == nil {
		b.logger.Debug().Str("viewer_id", id).Msg("restart request for unknown viewer")
		return
	}
	offer, err := c.peer.CreateOffer(true)
	if err != nil {
		b.logger.Warn().Err(err).Str("viewer_id", id).Msg("ICE restart offer failed")
		return
	}
	b.send(domain.Offer(id, offer))
	b.logger.Info().Str("viewer_id", id).Msg("ICE restart offer sent")
}

func (b *Broadcaster) onState(c *viewerConn, s domain.ConnectionState) {
	if b.viewers.get(c.id) != c {
		return
	}
	c.state = s
	log := b.logger.With().Str("viewer_id", c.id).Str("state", s.String()).Logger()

	switch s {
	case domain.StateConnected:
		log.Info().Msg("viewer connected")
		if c.keepAlive == nil {
			b.armKeepAlive(c)
		}
	case domain.StateDisconnected, domain.StateFailed:
		// The viewer drives recovery.
		log.Warn().Msg("viewer connection lost")
		c.keepAlive.Stop()
		c.keepAlive = nil
	case domain.StateClosed:
		log.Info().Msg("viewer connection closed")
		b.teardown(c)
	}
}

func (b *Broadcaster) armKeepAlive(c *viewerConn) {
	c.keepAlive = b.loop.AfterFunc(b.opts.KeepAliveInterval, func() {
		if b.stopped || b.viewers.get(c.id) != c {
			return
		}
		if c.state == domain.StateConnected {
			b.send(domain.KeepAlive(c.id, time.Now()))
		}
		b.armKeepAlive(c)
	})
}

// teardown removes c and closes its peer. The closed-state callback that
// follows finds c gone and does nothing.
func (b *Broadcaster) teardown(c *viewerConn) {
	c.keepAlive.Stop()
	c.keepAlive = nil
	b.viewers.remove(c)
	if err := c.peer.Close(); err != nil {
		b.logger.Warn().Err(err).Str("viewer_id", c.id).Msg("close peer failed")
	}
}

func (b *Broadcaster) send(msg domain.Message) {
	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()
	if err := b.channel.Send(ctx, msg); err != nil {
		b.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("publish failed")
	}
}
