package domain

import "errors"

var (
	// ErrCaptureDenied means the user or OS refused access to a capture device.
	ErrCaptureDenied = errors.New("capture denied")

	// ErrDeviceUnavailable means no device matched the capture request.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrSignalingSubscribe means the relay subscription could not be set up.
	ErrSignalingSubscribe = errors.New("signaling subscribe failed")

	// ErrNegotiation covers rejected or malformed SDP and ICE candidates.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrConnectionLost is reported when a peer connection drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectExhausted is reported once the viewer stops rejoining.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	ErrClosed = errors.New("closed")
)
