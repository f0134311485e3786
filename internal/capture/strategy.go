package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// Source selects what a broadcast captures.
type Source string

const (
	SourceScreen     Source = "screen"
	SourceCamera     Source = "camera"
	SourceMicrophone Source = "microphone"
)

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	switch src := Source(s); src {
	case SourceScreen, SourceCamera, SourceMicrophone:
		return src, nil
	}
	return "", fmt.Errorf("unknown capture source %q", s)
}

// Mode is the session mode a source broadcasts in.
func (s Source) Mode() domain.Mode {
	if s == SourceMicrophone {
		return domain.ModeVoice
	}
	return domain.ModeVideo
}

// Config describes a capture request.
type Config struct {
	Source        Source
	VideoDeviceID string
	AudioDeviceID string
	// Audio adds a microphone track to screen and camera captures.
	Audio bool

	Width     int
	Height    int
	FrameRate float64

	Codecs *mediadevices.CodecSelector
}

// Strategy acquires the media for one kind of broadcast.
type Strategy interface {
	Mode() domain.Mode
	Acquire(ctx context.Context) (*Stream, error)
}

// Backend is the media capture API. DefaultBackend uses mediadevices.
type Backend struct {
	GetUserMedia    func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	GetDisplayMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	Enumerate       func() []mediadevices.MediaDeviceInfo
}

func DefaultBackend() Backend {
	return Backend{
		GetUserMedia:    mediadevices.GetUserMedia,
		GetDisplayMedia: mediadevices.GetDisplayMedia,
		Enumerate:       mediadevices.EnumerateDevices,
	}
}

type strategy struct {
	cfg       Config
	backend   Backend
	inventory *Inventory
	logger    zerolog.Logger
}

// NewStrategy returns the strategy for cfg.Source.
func NewStrategy(cfg Config, backend Backend, logger zerolog.Logger) (Strategy, error) {
	if _, err := ParseSource(string(cfg.Source)); err != nil {
		return nil, err
	}
	return &strategy{
		cfg:       cfg,
		backend:   backend,
		inventory: NewInventory(backend.Enumerate),
		logger:    logger.With().Str("component", "capture").Str("source", string(cfg.Source)).Logger(),
	}, nil
}

func (s *strategy) Mode() domain.Mode {
	return s.cfg.Source.Mode()
}

// Acquire opens the devices for the configured source. A missing device is
// reported as domain.ErrDeviceUnavailable and a refused one as
// domain.ErrCaptureDenied.
func (s *strategy) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tracks []Track
	release := func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	switch s.cfg.Source {
	case SourceScreen:
		ms, err := s.backend.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: s.videoConstraints(""),
			Codec: s.cfg.Codecs,
		})
		if err != nil {
			return nil, classify("screen", err)
		}
		tracks = append(tracks, sendable(ms)...)
		if s.cfg.Audio {
			audio, err := s.microphone()
			if err != nil {
				release()
				return nil, err
			}
			tracks = append(tracks, sendable(audio)...)
		}

	case SourceCamera:
		video, err := s.inventory.Find(domain.KindVideoInput, s.cfg.VideoDeviceID)
		if err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{
			Video: s.videoConstraints(video.ID),
			Codec: s.cfg.Codecs,
		}
		if s.cfg.Audio {
			audio, err := s.inventory.Find(domain.KindAudioInput, s.cfg.AudioDeviceID)
			if err != nil {
				return nil, err
			}
			constraints.Audio = audioConstraints(audio.ID)
		}
		ms, err := s.backend.GetUserMedia(constraints)
		if err != nil {
			return nil, classify("camera", err)
		}
		tracks = append(tracks, sendable(ms)...)

	case SourceMicrophone:
		ms, err := s.microphone()
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, sendable(ms)...)
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: %s produced no tracks", domain.ErrDeviceUnavailable, s.cfg.Source)
	}
	for _, t := range tracks {
		s.logger.Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("captured track")
	}
	return NewStream(tracks), nil
}

func (s *strategy) microphone() (mediadevices.MediaStream, error) {
	audio, err := s.inventory.Find(domain.KindAudioInput, s.cfg.AudioDeviceID)
	if err != nil {
		return nil, err
	}
	ms, err := s.backend.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: audioConstraints(audio.ID),
		Codec: s.cfg.Codecs,
	})
	if err != nil {
		return nil, classify("microphone", err)
	}
	return ms, nil
}

func (s *strategy) videoConstraints(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
		if s.cfg.Width > 0 {
			c.Width = prop.Int(s.cfg.Width)
		}
		if s.cfg.Height > 0 {
			c.Height = prop.Int(s.cfg.Height)
		}
		if s.cfg.FrameRate > 0 {
			c.FrameRate = prop.Float(s.cfg.FrameRate)
		}
	}
}

func audioConstraints(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
	}
}

// Every mediadevices track can be added to a peer connection.
var _ Track = mediadevices.Track(nil)

func sendable(ms mediadevices.MediaStream) []Track {
	var tracks []Track
	for _, t := range ms.GetTracks() {
		tracks = append(tracks, t)
	}
	return tracks
}

// classify maps a capture failure onto the domain errors. mediadevices and
// the OS drivers report failures as plain strings.
func classify(what string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"permission", "denied", "not permitted", "not allowed", "access refused"} {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %s: %v", domain.ErrCaptureDenied, what, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrDeviceUnavailable, what, err)
}
