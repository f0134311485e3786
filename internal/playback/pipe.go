package playback

import (
	"io"
	"strings"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/rs/zerolog"
)

// Pipe streams H264 video as Annex-B to W, for piping into ffplay or
// ffmpeg. Every other track is drained.
type Pipe struct {
	W      io.Writer
	Logger zerolog.Logger

	mu      sync.Mutex
	current *sink
}

func (p *Pipe) Attach(track *pion.TrackRemote) {
	p.pipe(track)
}

func (p *Pipe) pipe(track rtpReader) {
	if !strings.EqualFold(track.Codec().MimeType, pion.MimeTypeH264) {
		go drain(track)
		return
	}

	s := &sink{w: h264writer.NewWith(nopCloser{p.W}), path: "pipe"}
	p.mu.Lock()
	if p.current != nil {
		p.current.close()
	}
	p.current = s
	p.mu.Unlock()

	go func() {
		defer s.close()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if err := s.write(pkt); err != nil {
				p.Logger.Debug().Err(err).Msg("pipe write stopped")
				return
			}
		}
	}()
}

func (p *Pipe) Detach() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// nopCloser keeps the writer open across reconnects.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
