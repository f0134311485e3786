package domain

import (
	"errors"
	"fmt"
	"time"
)

// MessageType tags the variant carried by a Message.
type MessageType string

const (
	TypeViewerJoined MessageType = "viewer-joined"
	TypeViewerLeft   MessageType = "viewer-left"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeKeepAlive    MessageType = "keep-alive"
	TypeRestartICE   MessageType = "restart-ice"
)

// Target names the side an ICE candidate is addressed to.
type Target string

const (
	TargetBroadcaster Target = "broadcaster"
	TargetViewer      Target = "viewer"
)

// ICECandidate is the JSON structure for trickled ICE candidates. It has the
// same shape as a browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one signaling message published on a session topic. All
// variants share the topic; recipients filter on Target, ViewerID and
// TargetViewerID.
type Message struct {
	Type           MessageType   `json:"type"`
	ViewerID       string        `json:"viewerId,omitempty"`
	TargetViewerID string        `json:"targetViewerId,omitempty"`
	SDP            string        `json:"sdp,omitempty"`
	Candidate      *ICECandidate `json:"candidate,omitempty"`
	Target         Target        `json:"target,omitempty"`
	Timestamp      int64         `json:"timestamp,omitempty"`
}

func ViewerJoined(viewerID string) Message {
	return Message{Type: TypeViewerJoined, ViewerID: viewerID}
}

func ViewerLeft(viewerID string) Message {
	return Message{Type: TypeViewerLeft, ViewerID: viewerID}
}

func Offer(targetViewerID, sdp string) Message {
	return Message{Type: TypeOffer, TargetViewerID: targetViewerID, SDP: sdp}
}

func Answer(viewerID, sdp string) Message {
	return Message{Type: TypeAnswer, ViewerID: viewerID, SDP: sdp}
}

// CandidateForBroadcaster is sent by a viewer.
func CandidateForBroadcaster(viewerID string, c ICECandidate) Message {
	return Message{Type: TypeICECandidate, Target: TargetBroadcaster, ViewerID: viewerID, Candidate: &c}
}

// CandidateForViewer is sent by the broadcaster.
func CandidateForViewer(targetViewerID string, c ICECandidate) Message {
	return Message{Type: TypeICECandidate, Target: TargetViewer, TargetViewerID: targetViewerID, Candidate: &c}
}

func KeepAlive(viewerID string, at time.Time) Message {
	return Message{Type: TypeKeepAlive, ViewerID: viewerID, Timestamp: at.UnixMilli()}
}

func RestartICE(viewerID string) Message {
	return Message{Type: TypeRestartICE, ViewerID: viewerID}
}

// Viewer returns the viewer the message concerns, whichever direction it
// travels in.
func (m Message) Viewer() string {
	if m.TargetViewerID != "" {
		return m.TargetViewerID
	}
	return m.ViewerID
}

var errMissingViewer = errors.New("missing viewer id")

// Validate checks that the fields required by the variant are present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeViewerJoined, TypeViewerLeft, TypeKeepAlive, TypeRestartICE:
		if m.ViewerID == "" {
			return fmt.Errorf("%s: %w", m.Type, errMissingViewer)
		}
	case TypeOffer:
		if m.TargetViewerID == "" {
			return fmt.Errorf("%s: %w", m.Type, errMissingViewer)
		}
		if m.SDP == "" {
			return fmt.Errorf("%s: empty sdp", m.Type)
		}
	case TypeAnswer:
		if m.ViewerID == "" {
			return fmt.Errorf("%s: %w", m.Type, errMissingViewer)
		}
		if m.SDP == "" {
			return fmt.Errorf("%s: empty sdp", m.Type)
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s: missing candidate", m.Type)
		}
		switch m.Target {
		case TargetBroadcaster:
			if m.ViewerID == "" {
				return fmt.Errorf("%s: %w", m.Type, errMissingViewer)
			}
		case TargetViewer:
			if m.TargetViewerID == "" {
				return fmt.Errorf("%s: %w", m.Type, errMissingViewer)
			}
		default:
			return fmt.Errorf("%s: unknown target %q", m.Type, m.Target)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
