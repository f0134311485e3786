package livestate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"livecast/native/internal/api"
	"livecast/native/internal/domain"
)

var _ domain.LiveStore = (*HTTPStore)(nil)

const DefaultPollInterval = 3 * time.Second

// HTTPStore reads and writes flags through the relay server's REST API.
// The API has no push channel, so Watch polls.
type HTTPStore struct {
	client   *api.Client
	interval time.Duration
	logger   zerolog.Logger
}

func NewHTTPStore(client *api.Client, interval time.Duration, logger zerolog.Logger) *HTTPStore {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &HTTPStore{
		client:   client,
		interval: interval,
		logger:   logger.With().Str("component", "livestate.http").Logger(),
	}
}

func (s *HTTPStore) IsLive(ctx context.Context, sessionID string) (bool, error) {
	return s.client.IsLive(ctx, sessionID)
}

func (s *HTTPStore) SetLive(ctx context.Context, sessionID string, live bool) error {
	return s.client.SetLive(ctx, sessionID, live)
}

// Watch reports a change the first poll after it happens. Poll errors are
// logged and retried on the next tick.
func (s *HTTPStore) Watch(ctx context.Context, sessionID string, notify func(bool)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	n := newNotifier(notify)

	last, err := s.client.IsLive(ctx, sessionID)
	known := err == nil

	go func() {
		defer n.stop()
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			live, err := s.client.IsLive(ctx, sessionID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Str("session", sessionID).Msg("poll live flag")
				}
				continue
			}
			if !known || live != last {
				n.push(live)
			}
			last, known = live, true
		}
	}()
	return cancel, nil
}
