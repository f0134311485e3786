package domain

import "time"

// Role is the side of a session a client plays.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Ticket holds relay credentials and ICE server configuration returned by
// the relay server.
type Ticket struct {
	Session    string      `json:"session"`
	Role       Role        `json:"role"`
	Token      string      `json:"token"`
	RelayURL   string      `json:"relayUrl"`
	ICEServers []ICEServer `json:"iceServers"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// Device is a capture device reported by the device inventory.
type Device struct {
	ID    string     `json:"id"`
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
}

type DeviceKind string

const (
	KindVideoInput DeviceKind = "videoinput"
	KindAudioInput DeviceKind = "audioinput"
)
