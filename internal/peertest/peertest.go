// Package peertest provides an in-memory domain.Peer for orchestrator tests.
package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"livecast/native/internal/domain"
)

// Factory hands out fake peers and remembers every one it made.
type Factory struct {
	mu       sync.Mutex
	peers    []*Peer
	err      error
	rejected map[string]error
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Fail makes every following NewPeer call return err.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// RejectCandidate makes peers created from now on fail AddICECandidate
// for the candidate line with err.
func (f *Factory) RejectCandidate(candidate string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected == nil {
		f.rejected = make(map[string]error)
	}
	f.rejected[candidate] = err
}

func (f *Factory) NewPeer() (domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &Peer{index: len(f.peers), session: fmt.Sprintf("session-%d", len(f.peers))}
	for c, err := range f.rejected {
		if p.rejected == nil {
			p.rejected = make(map[string]error)
		}
		p.rejected[c] = err
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far, oldest first.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Count returns how many peers were created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// Last returns the newest peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Peer records what the orchestrators do with it. Offers it creates are
// "offer:<session>:<n>"; answers are "answer:<offer>". Its remote session
// is the middle field of an accepted offer.
type Peer struct {
	index   int
	session string

	mu          sync.Mutex
	tracks      []pion.TrackLocal
	offers      []string
	restarts    int
	remoteOffer string
	answers     []string
	candidates  []domain.ICECandidate
	state       domain.ConnectionState
	closed      bool
	acceptErr   error
	rejected    map[string]error
	onCandidate func(domain.ICECandidate)
	onState     func(domain.ConnectionState)
	onICEState  func(domain.ConnectionState)
	onTrack     func(*pion.TrackRemote)
}

// Index is the creation order within the factory.
func (p *Peer) Index() int { return p.index }

// FailAccept makes AcceptOffer and AcceptAnswer return err.
func (p *Peer) FailAccept(err error) {
	p.mu.Lock()
	p.acceptErr = err
	p.mu.Unlock()
}

func (p *Peer) AddTrack(track pion.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrClosed
	}
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *Peer) CreateOffer(iceRestart bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", domain.ErrClosed
	}
	if iceRestart {
		p.restarts++
	}
	offer := fmt.Sprintf("offer:%s:%d", p.session, len(p.offers))
	p.offers = append(p.offers, offer)
	return offer, nil
}

func (p *Peer) AcceptOffer(offer string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", domain.ErrClosed
	}
	if p.acceptErr != nil {
		return "", p.acceptErr
	}
	p.remoteOffer = offer
	return "answer:" + offer, nil
}

func (p *Peer) AcceptAnswer(answer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrClosed
	}
	if p.acceptErr != nil {
		return p.acceptErr
	}
	p.answers = append(p.answers, answer)
	return nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrClosed
	}
	if err, ok := p.rejected[c.Candidate]; ok {
		return err
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) SameRemoteSession(offer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteOffer == "" {
		return true
	}
	return remoteSession(p.remoteOffer) == remoteSession(offer)
}

func remoteSession(offer string) string {
	parts := strings.SplitN(offer, ":", 3)
	if len(parts) < 2 {
		return offer
	}
	return parts[1]
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

func (p *Peer) OnTrack(fn func(*pion.TrackRemote)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) ConnectionState() domain.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close marks the peer closed and reports StateClosed once, synchronously,
// the way pion does.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = domain.StateClosed
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(domain.StateClosed)
	}
	return nil
}

// SetState moves the connection to s and fires the state callback.
func (p *Peer) SetState(s domain.ConnectionState) {
	p.mu.Lock()
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// SetICEState fires the ICE state callback without touching the
// connection state.
func (p *Peer) SetICEState(s domain.ConnectionState) {
	p.mu.Lock()
	fn := p.onICEState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate fires the local candidate callback.
func (p *Peer) EmitCandidate(c domain.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitTrack fires the remote track callback. track may be nil.
func (p *Peer) EmitTrack(track *pion.TrackRemote) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Tracks returns the attached local tracks.
func (p *Peer) Tracks() []pion.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pion.TrackLocal(nil), p.tracks...)
}

// Offers returns every offer created, oldest first.
func (p *Peer) Offers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.offers...)
}

// Restarts counts ICE-restart offers.
func (p *Peer) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// RemoteOffer is the last accepted offer.
func (p *Peer) RemoteOffer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteOffer
}

// Answers returns every accepted answer.
func (p *Peer) Answers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.answers...)
}

// Candidates returns every applied remote candidate.
func (p *Peer) Candidates() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ICECandidate(nil), p.candidates...)
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected failure")

// Track is a local track with the capture end and close hooks.
type Track struct {
	*pion.TrackLocalStaticSample

	mu      sync.Mutex
	onEnded func(error)
	closes  int
}

// NewTrack returns an Opus track with the given id.
func NewTrack(id string) *Track {
	s, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, "peertest",
	)
	if err != nil {
		panic(err)
	}
	return &Track{TrackLocalStaticSample: s}
}

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *Track) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	return nil
}

// End simulates the device going away.
func (t *Track) End(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Closes counts Close calls.
func (t *Track) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}
