package domain

import (
	"context"

	pion "github.com/pion/webrtc/v4"
)

// Medium is a best-effort broadcast channel. A payload published on a topic
// is offered to every other subscriber of that topic; it is never delivered
// back to the client that published it. Delivery may drop, duplicate or
// reorder payloads. Only a failing Subscribe is an error worth reporting;
// lost payloads surface as stalled connections.
type Medium interface {
	Subscribe(ctx context.Context, topic string, deliver func(payload []byte)) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Unsubscribe(topic string) error
	Close() error
}

// LiveStore is the external "is this channel live" flag.
type LiveStore interface {
	IsLive(ctx context.Context, sessionID string) (bool, error)
	SetLive(ctx context.Context, sessionID string, live bool) error
	// Watch calls notify whenever the flag changes until stop is called or
	// ctx is done.
	Watch(ctx context.Context, sessionID string, notify func(live bool)) (stop func(), err error)
}

// Peer manages one WebRTC peer connection.
type Peer interface {
	AddTrack(track pion.TrackLocal) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(iceRestart bool) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(sdp string) (string, error)
	AcceptAnswer(sdp string) error
	// AddICECandidate applies a remote candidate. Candidates received before
	// the remote description are held until it is set.
	AddICECandidate(candidate ICECandidate) error
	// SameRemoteSession reports whether an offer belongs to the session
	// already applied as remote description. True when none is applied.
	SameRemoteSession(sdp string) bool

	OnICECandidate(func(ICECandidate))
	OnConnectionStateChange(func(ConnectionState))
	OnICEConnectionStateChange(func(ConnectionState))
	OnTrack(func(*pion.TrackRemote))

	ConnectionState() ConnectionState
	Close() error
}

// PeerFactory produces preconfigured peers.
type PeerFactory interface {
	NewPeer() (Peer, error)
}
