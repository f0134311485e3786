package livestate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

var _ domain.LiveStore = (*RedisStore)(nil)

// RedisStore keeps each flag under live:{id} and announces changes on the
// live-events:{id} channel.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a store on an existing client. The caller owns the
// client.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "livestate.redis").Logger(),
	}
}

func (s *RedisStore) IsLive(ctx context.Context, sessionID string) (bool, error) {
	v, err := s.client.Get(ctx, flagKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get live flag: %w", err)
	}
	return v == "1", nil
}

func (s *RedisStore) SetLive(ctx context.Context, sessionID string, live bool) error {
	v := encodeFlag(live)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, flagKey(sessionID), v, 0)
	pipe.Publish(ctx, eventTopic(sessionID), v)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set live flag: %w", err)
	}
	return nil
}

// Watch returns once Redis has confirmed the subscription.
func (s *RedisStore) Watch(ctx context.Context, sessionID string, notify func(bool)) (func(), error) {
	topic := eventTopic(sessionID)
	ps := s.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	n := newNotifier(notify)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			ps.Close()
			n.stop()
		})
	}
	go func() {
		for msg := range ps.Channel() {
			switch msg.Payload {
			case "1":
				n.push(true)
			case "0":
				n.push(false)
			default:
				s.logger.Warn().Str("topic", topic).Str("payload", msg.Payload).Msg("ignoring malformed live event")
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-n.done:
		}
	}()
	return stop, nil
}

func flagKey(sessionID string) string {
	return "live:" + sessionID
}

func encodeFlag(live bool) string {
	if live {
		return "1"
	}
	return "0"
}
