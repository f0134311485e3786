// Package livestate connects orchestrators to the external "is this
// channel live" flag.
package livestate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// Participant is what Follow drives; *viewer.Viewer satisfies it.
type Participant interface {
	Join(ctx context.Context) error
	Leave()
}

// Bridge keeps a session's live flag in a domain.LiveStore. It serves as
// the broadcaster's LiveMarker and drives viewers through Follow.
type Bridge struct {
	store  domain.LiveStore
	logger zerolog.Logger
}

// NewBridge returns a bridge over store.
func NewBridge(store domain.LiveStore, logger zerolog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		logger: logger.With().Str("component", "livestate").Logger(),
	}
}

// MarkLive sets the session's live flag.
func (b *Bridge) MarkLive(ctx context.Context, sessionID string) error {
	if err := b.store.SetLive(ctx, sessionID, true); err != nil {
		return fmt.Errorf("mark live: %w", err)
	}
	return nil
}

// MarkOffline clears the session's live flag.
func (b *Bridge) MarkOffline(ctx context.Context, sessionID string) error {
	if err := b.store.SetLive(ctx, sessionID, false); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

// Follow joins p while the session is live and leaves it while it is not,
// until ctx is done. A failed Join is logged and retried on the next
// change. p is left on return.
func (b *Bridge) Follow(ctx context.Context, sessionID string, p Participant) error {
	logger := b.logger.With().Str("session", sessionID).Logger()

	changes := make(chan bool, 1)
	stop, err := b.store.Watch(ctx, sessionID, func(live bool) {
		select {
		case changes <- live:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("watch live flag: %w", err)
	}
	defer stop()

	joined := false
	apply := func(live bool) {
		switch {
		case live && !joined:
			if err := p.Join(ctx); err != nil {
				logger.Warn().Err(err).Msg("join failed")
				return
			}
			joined = true
			logger.Info().Msg("session live, joined")
		case !live && joined:
			p.Leave()
			joined = false
			logger.Info().Msg("session offline, left")
		}
	}

	live, err := b.store.IsLive(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read live flag: %w", err)
	}
	apply(live)

	for {
		select {
		case <-ctx.Done():
			if joined {
				p.Leave()
			}
			return ctx.Err()
		case live := <-changes:
			apply(live)
		}
	}
}
