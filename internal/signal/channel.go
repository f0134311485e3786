package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// Channel speaks typed signaling messages on one session topic.
type Channel struct {
	medium domain.Medium
	topic  string
	logger zerolog.Logger

	mu         sync.Mutex
	subscribed bool
}

// NewChannel binds a medium to the session's topic. Nothing is subscribed
// until Subscribe is called.
func NewChannel(medium domain.Medium, session domain.Session, logger zerolog.Logger) *Channel {
	topic := session.Topic()
	return &Channel{
		medium: medium,
		topic:  topic,
		logger: logger.With().Str("component", "signal").Str("topic", topic).Logger(),
	}
}

// Topic returns the relay topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Subscribe starts delivering decoded messages to handle. Payloads that do
// not decode are logged and dropped. A failure is reported wrapped in
// domain.ErrSignalingSubscribe.
func (c *Channel) Subscribe(ctx context.Context, handle func(domain.Message)) error {
	err := c.medium.Subscribe(ctx, c.topic, func(payload []byte) {
		msg, err := Decode(payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping message")
			return
		}
		c.logger.Trace().Str("type", string(msg.Type)).Str("viewer_id", msg.Viewer()).Msg("<<<")
		handle(msg)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingSubscribe, err)
	}

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	return nil
}

// Send publishes msg. The relay is best-effort, so a nil error does not
// mean anyone received it.
func (c *Channel) Send(ctx context.Context, msg domain.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	c.logger.Trace().Str("type", string(msg.Type)).Str("viewer_id", msg.Viewer()).Msg(">>>")
	if err := c.medium.Publish(ctx, c.topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

// Close unsubscribes. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	wasSubscribed := c.subscribed
	c.subscribed = false
	c.mu.Unlock()
	if !wasSubscribed {
		return nil
	}
	return c.medium.Unsubscribe(c.topic)
}
