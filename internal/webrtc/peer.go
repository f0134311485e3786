package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// gatheringTimeout bounds the wait for a running candidate gathering before
// an ICE restart.
const gatheringTimeout = 5 * time.Second

// Compile-time interface check.
var _ domain.Peer = (*Peer)(nil)

// Peer wraps a pion PeerConnection. Remote candidates that arrive before the
// remote description are held and applied once it is set.
type Peer struct {
	pc     *pion.PeerConnection
	logger zerolog.Logger

	mu          sync.Mutex
	remoteReady bool
	pending     []pion.ICECandidateInit
	seen        map[string]struct{}

	onCandidate func(domain.ICECandidate)
	onState     func(domain.ConnectionState)
	onICEState  func(domain.ConnectionState)
	onTrack     func(*pion.TrackRemote)
}

func newPeer(pc *pion.PeerConnection, logger zerolog.Logger) *Peer {
	p := &Peer{
		pc:     pc,
		logger: logger,
		seen:   make(map[string]struct{}),
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.logger.Trace().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(domain.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		p.logger.Debug().Str("state", s.String()).Msg("peer connection state")
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(peerState(s))
		}
	})
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		p.logger.Debug().Str("state", s.String()).Msg("ICE connection state")
		p.mu.Lock()
		fn := p.onICEState
		p.mu.Unlock()
		if fn != nil {
			fn(iceState(s))
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.logger.Info().Str("kind", track.Kind().String()).Str("codec", codec.MimeType).Msg("got track")
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track)
			return
		}
		go drain(track)
	})

	return p
}

// AddTrack attaches a local track. RTCP from the sender is read and
// discarded so the interceptors keep running.
func (p *Peer) AddTrack(track pion.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateOffer creates an offer and sets it as the local description. An
// ICE restart first waits for candidate gathering still in progress, since
// pion cannot start a new gathering while one is running.
func (p *Peer) CreateOffer(iceRestart bool) (string, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		if err := p.awaitGathering(gatheringTimeout); err != nil {
			return "", err
		}
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", domain.ErrNegotiation, err)
	}
	p.logger.Debug().Bool("ice_restart", iceRestart).Msg("local offer set")
	return offer.SDP, nil
}

func (p *Peer) awaitGathering(timeout time.Duration) error {
	if p.pc.ICEGatheringState() != pion.ICEGatheringStateGathering {
		return nil
	}
	p.logger.Debug().Msg("waiting for ICE gathering before restart")
	select {
	case <-pion.GatheringCompletePromise(p.pc):
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: ICE gathering still running after %s", domain.ErrNegotiation, timeout)
	}
}

// AcceptOffer applies a remote offer and returns the local answer.
func (p *Peer) AcceptOffer(offer string) (string, error) {
	if err := p.setRemote(pion.SDPTypeOffer, offer); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", domain.ErrNegotiation, err)
	}
	p.logger.Debug().Msg("local answer set")
	return answer.SDP, nil
}

// AcceptAnswer applies a remote answer. An answer that arrives when no offer
// is outstanding is a duplicate and is ignored.
func (p *Peer) AcceptAnswer(answer string) error {
	if p.pc.SignalingState() != pion.SignalingStateHaveLocalOffer {
		p.logger.Debug().Str("signaling_state", p.pc.SignalingState().String()).Msg("ignoring answer")
		return nil
	}
	return p.setRemote(pion.SDPTypeAnswer, answer)
}

func (p *Peer) setRemote(typ pion.SDPType, desc string) error {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: desc}); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", domain.ErrNegotiation, typ, err)
	}

	p.mu.Lock()
	p.remoteReady = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("buffered ICE candidate rejected")
		}
	}
	if len(pending) > 0 {
		p.logger.Debug().Int("count", len(pending)).Msg("flushed buffered ICE candidates")
	}
	return nil
}

// AddICECandidate applies a remote candidate. Repeats are ignored, as is the
// empty end-of-candidates marker.
func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	if c.Candidate == "" {
		return nil
	}
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	key := c.Candidate
	if c.UsernameFragment != nil {
		key = *c.UsernameFragment + " " + key
	}

	p.mu.Lock()
	if _, dup := p.seen[key]; dup {
		p.mu.Unlock()
		return nil
	}
	p.seen[key] = struct{}{}
	if !p.remoteReady {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: add ICE candidate: %v", domain.ErrNegotiation, err)
	}
	return nil
}

// SameRemoteSession reports whether desc carries the origin session id of
// the current remote description. It is true when no remote description is
// set, and false when desc cannot be parsed.
func (p *Peer) SameRemoteSession(desc string) bool {
	current := p.pc.RemoteDescription()
	if current == nil {
		return true
	}
	a, err := sessionID(current.SDP)
	if err != nil {
		return false
	}
	b, err := sessionID(desc)
	if err != nil {
		return false
	}
	return a == b
}

func sessionID(desc string) (uint64, error) {
	var s sdp.SessionDescription
	if err := s.Unmarshal([]byte(desc)); err != nil {
		return 0, fmt.Errorf("parse sdp: %w", err)
	}
	return s.Origin.SessionID, nil
}

func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnICEConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onICEState = fn
	p.mu.Unlock()
}

// OnTrack registers the remote track handler. Tracks arriving with no
// handler are drained.
func (p *Peer) OnTrack(fn func(*pion.TrackRemote)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) ConnectionState() domain.ConnectionState {
	return peerState(p.pc.ConnectionState())
}

// Close shuts the connection down. Closing twice is not an error.
func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil && !errors.Is(err, pion.ErrConnectionClosed) {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func peerState(s pion.PeerConnectionState) domain.ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.StateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.StateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.StateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.StateFailed
	case pion.PeerConnectionStateClosed:
		return domain.StateClosed
	}
	return domain.StateNew
}

func iceState(s pion.ICEConnectionState) domain.ConnectionState {
	switch s {
	case pion.ICEConnectionStateChecking:
		return domain.StateConnecting
	case pion.ICEConnectionStateConnected, pion.ICEConnectionStateCompleted:
		return domain.StateConnected
	case pion.ICEConnectionStateDisconnected:
		return domain.StateDisconnected
	case pion.ICEConnectionStateFailed:
		return domain.StateFailed
	case pion.ICEConnectionStateClosed:
		return domain.StateClosed
	}
	return domain.StateNew
}

func drain(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
