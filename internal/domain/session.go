package domain

import (
	"fmt"
	"strings"
)

// Mode selects which media a session carries.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeVoice Mode = "voice"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeVideo, ModeVoice:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

const topicPrefix = "webrtc-"

// Session identifies one broadcast instance. ID is the channel identifier.
type Session struct {
	ID   string
	Mode Mode
}

// Topic returns the relay topic shared by the broadcaster and every viewer
// of the session.
func (s Session) Topic() string {
	return topicPrefix + string(s.Mode) + "-" + s.ID
}

// ParseTopic is the inverse of Session.Topic.
func ParseTopic(topic string) (Session, error) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return Session{}, fmt.Errorf("topic %q: missing %q prefix", topic, topicPrefix)
	}
	mode, id, ok := strings.Cut(rest, "-")
	if !ok || id == "" {
		return Session{}, fmt.Errorf("topic %q: missing session id", topic)
	}
	m, err := ParseMode(mode)
	if err != nil {
		return Session{}, fmt.Errorf("topic %q: %w", topic, err)
	}
	return Session{ID: id, Mode: m}, nil
}
