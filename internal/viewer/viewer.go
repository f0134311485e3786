// Package viewer joins a broadcast session, answers the broadcaster's offer
// and keeps the connection alive, rejoining with a fresh identity when ICE
// restarts do not bring it back.
package viewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
	"livecast/native/internal/eventloop"
	"livecast/native/internal/signal"
)

const (
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultNegotiationTimeout   = 15 * time.Second
	sendTimeout                 = 5 * time.Second
)

// Surface renders remote media.
type Surface interface {
	Attach(track *pion.TrackRemote)
	Detach()
}

type discard struct{}

func (discard) Attach(track *pion.TrackRemote) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (discard) Detach() {}

// Options configures a Viewer. The On* callbacks run on the viewer's event
// loop and must not call Join, Leave or Close; OnGiveUp runs on its own
// goroutine and may.
type Options struct {
	SessionID string
	Mode      domain.Mode
	Factory   domain.PeerFactory
	Medium    domain.Medium
	Surface   Surface

	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	NegotiationTimeout   time.Duration

	// NewID returns viewer ids. Defaults to random UUIDs.
	NewID func() string

	OnLoaded      func()
	OnStateChange func(domain.ConnectionState)
	OnGiveUp      func(error)

	Logger zerolog.Logger
}

type Viewer struct {
	opts    Options
	session domain.Session
	channel *signal.Channel
	loop    *eventloop.Loop
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned.
	id               string
	peer             domain.Peer
	state            domain.ConnectionState
	restartRequested bool
	attempts         int
	timer            *eventloop.Timer
	loaded           bool
	candidates       []domain.ICECandidate

	mu         sync.Mutex
	subscribed bool
	closed     bool
	pubID      string
	pubState   domain.ConnectionState
}

func New(opts Options) *Viewer {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Surface == nil {
		opts.Surface = discard{}
	}
	session := domain.Session{ID: opts.SessionID, Mode: opts.Mode}
	ctx, cancel := context.WithCancel(context.Background())

	return &Viewer{
		opts:    opts,
		session: session,
		channel: signal.NewChannel(opts.Medium, session, opts.Logger),
		loop:    eventloop.New(),
		logger:  opts.Logger.With().Str("component", "viewer").Str("session", session.Topic()).Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the current viewer id. It changes on every rejoin.
func (v *Viewer) ID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pubID
}

// State returns the state of the current connection.
func (v *Viewer) State() domain.ConnectionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pubState
}

// Join announces a new viewer to the broadcaster. A relay failure is
// returned wrapped in domain.ErrSignalingSubscribe.
func (v *Viewer) Join(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return domain.ErrClosed
	}
	needSubscribe := !v.subscribed
	v.mu.Unlock()

	if needSubscribe {
		if err := v.channel.Subscribe(ctx, func(msg domain.Message) {
			v.loop.Post(func() { v.handle(msg) })
		}); err != nil {
			return err
		}
		v.mu.Lock()
		v.subscribed = true
		v.mu.Unlock()
	}

	var err error
	if !v.loop.Do(func() {
		v.attempts = 0
		err = v.join()
	}) {
		return domain.ErrClosed
	}
	return err
}

// Leave tells the broadcaster this viewer is gone and releases the
// connection. Safe to call more than once; Join may be called again after.
func (v *Viewer) Leave() {
	v.loop.Do(func() {
		v.stopTimer()
		v.dropPeer(true)
		v.setState(domain.StateClosed)
	})

	v.mu.Lock()
	wasSubscribed := v.subscribed
	v.subscribed = false
	v.mu.Unlock()
	if wasSubscribed {
		if err := v.channel.Close(); err != nil {
			v.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
}

// Close leaves and stops the viewer for good.
func (v *Viewer) Close() {
	v.Leave()
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.loop.Close()
	<-v.loop.Done()
	v.cancel()
}

// join replaces any current connection with a new one under a fresh id.
func (v *Viewer) join() error {
	v.stopTimer()
	v.dropPeer(true)

	id := v.opts.NewID()
	peer, err := v.opts.Factory.NewPeer()
	if err != nil {
		return err
	}
	v.id = id
	v.mu.Lock()
	v.pubID = id
	v.mu.Unlock()
	v.candidates = nil
	v.restartRequested = false
	v.loaded = false
	v.attach(peer)
	v.setState(domain.StateNew)

	v.send(domain.ViewerJoined(id))
	v.arm(v.opts.NegotiationTimeout)
	v.logger.Info().Str("viewer_id", id).Int("attempt", v.attempts).Msg("joined")
	return nil
}

// attach makes peer the current connection and wires its callbacks. Each
// callback checks that its peer is still current.
func (v *Viewer) attach(peer domain.Peer) {
	v.peer = peer
	peer.OnICECandidate(func(c domain.ICECandidate) {
		v.loop.Post(func() {
			if v.peer != peer {
				return
			}
			v.send(domain.CandidateForBroadcaster(v.id, c))
		})
	})
	peer.OnConnectionStateChange(func(s domain.ConnectionState) {
		v.loop.Post(func() {
			if v.peer != peer {
				return
			}
			v.onState(s)
		})
	})
	peer.OnICEConnectionStateChange(func(s domain.ConnectionState) {
		v.loop.Post(func() {
			if v.peer != peer {
				return
			}
			if s == domain.StateDisconnected {
				v.onBroken("ICE disconnected")
			}
		})
	})
	peer.OnTrack(func(track *pion.TrackRemote) {
		v.loop.Post(func() {
			if v.peer != peer {
				return
			}
			v.opts.Surface.Attach(track)
			if !v.loaded {
				v.loaded = true
				if v.opts.OnLoaded != nil {
					v.opts.OnLoaded()
				}
			}
		})
	})
}

func (v *Viewer) dropPeer(announce bool) {
	if v.peer == nil {
		return
	}
	if announce {
		v.send(domain.ViewerLeft(v.id))
	}
	peer := v.peer
	v.peer = nil
	if err := peer.Close(); err != nil {
		v.logger.Warn().Err(err).Str("viewer_id", v.id).Msg("close peer failed")
	}
	v.opts.Surface.Detach()
}

func (v *Viewer) handle(msg domain.Message) {
	if v.peer == nil || msg.Viewer() != v.id {
		return
	}
	switch msg.Type {
	case domain.TypeOffer:
		v.onOffer(msg.SDP)
	case domain.TypeICECandidate:
		if msg.Target != domain.TargetViewer {
			return
		}
		v.candidates = append(v.candidates, *msg.Candidate)
		if err := v.peer.AddICECandidate(*msg.Candidate); err != nil {
			v.logger.Warn().Err(err).Str("viewer_id", v.id).Msg("apply candidate failed")
		}
	case domain.TypeKeepAlive:
		v.logger.Trace().Str("viewer_id", v.id).Msg("keep-alive")
	}
}

func (v *Viewer) onOffer(sdp string) {
	log := v.logger.With().Str("viewer_id", v.id).Logger()

	if !v.peer.SameRemoteSession(sdp) {
		// The broadcaster built a new connection for this id. Candidates
		// that raced ahead of the offer went to the old peer, so replay them.
		log.Info().Msg("offer from a new broadcaster session, replacing connection")
		peer, err := v.opts.Factory.NewPeer()
		if err != nil {
			log.Error().Err(err).Msg("create peer failed")
			return
		}
		v.dropPeer(false)
		v.loaded = false
		v.attach(peer)
		for _, c := range v.candidates {
			if err := peer.AddICECandidate(c); err != nil {
				log.Warn().Err(err).Str("candidate", c.Candidate).Msg("replay candidate failed")
			}
		}
	}
	v.candidates = nil

	answer, err := v.peer.AcceptOffer(sdp)
	if err != nil {
		log.Warn().Err(err).Msg("apply offer failed")
		return
	}
	v.send(domain.Answer(v.id, answer))
	log.Debug().Msg("answer sent")
}

func (v *Viewer) onState(s domain.ConnectionState) {
	v.setState(s)
	switch s {
	case domain.StateConnected:
		v.logger.Info().Str("viewer_id", v.id).Msg("connected")
		v.stopTimer()
		v.attempts = 0
		v.restartRequested = false
	case domain.StateDisconnected, domain.StateFailed:
		v.onBroken("connection " + s.String())
	}
}

// onBroken starts one recovery episode: ask the broadcaster for an ICE
// restart and rejoin if the connection is not back before the timer fires.
func (v *Viewer) onBroken(reason string) {
	if v.restartRequested {
		return
	}
	v.restartRequested = true
	delay := v.backoff()
	v.logger.Warn().Str("viewer_id", v.id).Str("reason", reason).Dur("rejoin_in", delay).Msg("connection lost, requesting ICE restart")
	v.send(domain.RestartICE(v.id))
	v.arm(delay)
}

func (v *Viewer) onTimer() {
	v.timer = nil
	if v.peer != nil && v.state == domain.StateConnected {
		return
	}
	if v.attempts >= v.opts.MaxReconnectAttempts {
		v.giveUp()
		return
	}
	v.attempts++
	v.logger.Info().Str("viewer_id", v.id).Int("attempt", v.attempts).Msg("rejoining")
	if err := v.join(); err != nil {
		v.logger.Error().Err(err).Msg("rejoin failed")
		v.arm(v.backoff())
	}
}

func (v *Viewer) giveUp() {
	v.logger.Error().Int("attempts", v.attempts).Msg("giving up")
	v.dropPeer(true)
	v.setState(domain.StateFailed)
	if v.opts.OnGiveUp != nil {
		go v.opts.OnGiveUp(domain.ErrReconnectExhausted)
	}
}

// backoff is ReconnectDelay doubled per attempt so far, capped.
func (v *Viewer) backoff() time.Duration {
	d := v.opts.ReconnectDelay
	for i := 0; i < v.attempts && d < v.opts.MaxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, v.opts.MaxReconnectDelay)
}

func (v *Viewer) arm(d time.Duration) {
	v.timer.Stop()
	v.timer = v.loop.AfterFunc(d, v.onTimer)
}

func (v *Viewer) stopTimer() {
	v.timer.Stop()
	v.timer = nil
}

func (v *Viewer) setState(s domain.ConnectionState) {
	v.state = s
	v.mu.Lock()
	changed := v.pubState != s
	v.pubState = s
	v.mu.Unlock()
	if changed && v.opts.OnStateChange != nil {
		v.opts.OnStateChange(s)
	}
}

func (v *Viewer) send(msg domain.Message) {
	ctx, cancel := context.WithTimeout(v.ctx, sendTimeout)
	defer cancel()
	if err := v.channel.Send(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		v.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("publish failed")
	}
}
