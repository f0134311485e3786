// Package playback writes received media to disk.
package playback

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

// rtpReader is the part of *pion.TrackRemote the recorder reads from.
type rtpReader interface {
	ID() string
	Codec() pion.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Recorder saves every attached track to a file in Dir: VP8 as IVF, H264
// as an Annex-B stream, Opus as Ogg. Other codecs are read and dropped.
// Each connection gets a new sequence number so reconnects do not
// overwrite earlier recordings.
type Recorder struct {
	Dir    string
	Logger zerolog.Logger

	mu    sync.Mutex
	seq   int
	open  bool
	sinks []*sink
}

// sink serializes writes against Close.
type sink struct {
	mu     sync.Mutex
	w      media.Writer
	path   string
	closed bool
}

func (s *sink) write(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	return s.w.WriteRTP(p)
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// extension returns the file extension for a codec, or "" when the codec
// is not recorded.
func extension(mimeType string) string {
	switch {
	case strings.EqualFold(mimeType, pion.MimeTypeVP8):
		return "ivf"
	case strings.EqualFold(mimeType, pion.MimeTypeH264):
		return "h264"
	case strings.EqualFold(mimeType, pion.MimeTypeOpus):
		return "ogg"
	}
	return ""
}

func newWriter(path string, codec pion.RTPCodecParameters) (media.Writer, error) {
	switch extension(codec.MimeType) {
	case "ivf":
		return ivfwriter.New(path)
	case "h264":
		return h264writer.New(path)
	case "ogg":
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		return oggwriter.New(path, codec.ClockRate, channels)
	}
	return nil, fmt.Errorf("unsupported codec %s", codec.MimeType)
}

func (r *Recorder) Attach(track *pion.TrackRemote) {
	r.record(track)
}

func (r *Recorder) record(track rtpReader) {
	logger := r.Logger.With().Str("component", "playback").Str("track", track.ID()).Logger()
	codec := track.Codec()
	ext := extension(codec.MimeType)
	if ext == "" {
		logger.Info().Str("codec", codec.MimeType).Msg("codec not recorded, draining")
		go drain(track)
		return
	}

	r.mu.Lock()
	if !r.open {
		r.seq++
		r.open = true
	}
	path := filepath.Join(r.Dir, fmt.Sprintf("%03d-%s.%s", r.seq, sanitize(track.ID()), ext))
	r.mu.Unlock()

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		logger.Error().Err(err).Msg("create output directory")
		go drain(track)
		return
	}
	w, err := newWriter(path, codec)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("open writer")
		go drain(track)
		return
	}
	s := &sink{w: w, path: path}

	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()

	logger.Info().Str("path", path).Str("codec", codec.MimeType).Msg("recording")
	go func() {
		defer s.close()
		for {
			p, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if err := s.write(p); err != nil {
				if err != os.ErrClosed {
					logger.Warn().Err(err).Msg("write packet")
				}
				return
			}
		}
	}()
}

// Detach closes the files of the current connection.
func (r *Recorder) Detach() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.open = false
	r.mu.Unlock()

	for _, s := range sinks {
		if err := s.close(); err != nil {
			r.Logger.Warn().Err(err).Str("path", s.path).Msg("close recording")
		}
	}
}

func drain(track rtpReader) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func sanitize(s string) string {
	if s == "" {
		return "track"
	}
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		}
		return '_'
	}, s)
}
