package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// Compile-time interface check.
var _ domain.Medium = (*Redis)(nil)

// envelope wraps a payload with its sender so subscribers can drop their
// own publications; Redis Pub/Sub echoes them back.
type envelope struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

// Redis relays payloads over Redis Pub/Sub. Pub/Sub is fire-and-forget:
// subscribers that are not connected when a payload is published never see
// it, which is exactly the contract domain.Medium promises.
type Redis struct {
	client *redis.Client
	id     string
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedis creates a medium on an existing client. The caller owns the
// client and closes it after Close.
func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	id := uuid.NewString()
	return &Redis{
		client: client,
		id:     id,
		logger: logger.With().Str("component", "relay.redis").Str("client_id", id).Logger(),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Subscribe waits for Redis to confirm the subscription before returning.
func (r *Redis) Subscribe(ctx context.Context, topic string, deliver func([]byte)) error {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	r.mu.Lock()
	if old, ok := r.subs[topic]; ok {
		old.Close()
	}
	r.subs[topic] = ps
	r.mu.Unlock()

	go r.readLoop(topic, ps, deliver)
	r.logger.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

func (r *Redis) readLoop(topic string, ps *redis.PubSub, deliver func([]byte)) {
	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed frame")
			continue
		}
		if env.From == r.id {
			continue
		}
		deliver(env.Data)
	}
}

// Publish sends payload on the Redis channel named topic. Subscribers of
// this medium ignore their own publications.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := json.Marshal(envelope{From: r.id, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe closes the subscription to topic, if any.
func (r *Redis) Unsubscribe(topic string) error {
	r.mu.Lock()
	ps, ok := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}

// Close closes every subscription and returns the first error. The
// client itself is left open.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	var first error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
