package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// Compile-time interface check.
var _ domain.Medium = (*WebSocket)(nil)

const defaultPingInterval = 30 * time.Second

// WebSocket is a relay client speaking to a Hub over one websocket.
type WebSocket struct {
	conn         *websocket.Conn
	logger       zerolog.Logger
	pingInterval time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]func([]byte)
	pending map[string]chan error

	closed    chan struct{}
	closeOnce sync.Once
}

// DialWebSocket connects to the relay hub at rawURL, authenticating with a
// bearer token when one is given, and starts the read and ping loops.
func DialWebSocket(ctx context.Context, rawURL, token string, logger zerolog.Logger) (*WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	logger = logger.With().Str("component", "relay.websocket").Logger()
	logger.Info().Str("url", u.Redacted()).Msg("connecting")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &WebSocket{
		conn:         conn,
		logger:       logger,
		pingInterval: defaultPingInterval,
		subs:         make(map[string]func([]byte)),
		pending:      make(map[string]chan error),
		closed:       make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Subscribe registers deliver for topic and waits for the hub to accept
// the subscription.
func (c *WebSocket) Subscribe(ctx context.Context, topic string, deliver func([]byte)) error {
	ack := make(chan error, 1)

	c.mu.Lock()
	c.subs[topic] = deliver
	c.pending[topic] = ack
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		delete(c.subs, topic)
		if c.pending[topic] == ack {
			delete(c.pending, topic)
		}
		c.mu.Unlock()
		return err
	}

	if err := c.sendFrame(frame{Op: opSubscribe, Topic: topic}); err != nil {
		return fail(err)
	}

	select {
	case err := <-ack:
		if err != nil {
			return fail(fmt.Errorf("subscribe %s: %w", topic, err))
		}
		return nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-c.closed:
		return fail(errClientClosed)
	}
}

func (c *WebSocket) Publish(_ context.Context, topic string, payload []byte) error {
	return c.sendFrame(frame{Op: opPublish, Topic: topic, Data: payload})
}

func (c *WebSocket) Unsubscribe(topic string) error {
	c.mu.Lock()
	_, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.sendFrame(frame{Op: opUnsubscribe, Topic: topic})
}

// Close shuts down the websocket connection.
func (c *WebSocket) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

func (c *WebSocket) sendFrame(f frame) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *WebSocket) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("unmarshal frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *WebSocket) dispatch(f frame) {
	switch f.Op {
	case opMessage:
		c.mu.Lock()
		deliver := c.subs[f.Topic]
		c.mu.Unlock()
		if deliver != nil {
			deliver(f.Data)
		}

	case opSubscribed:
		c.resolve(f.Topic, nil)

	case opError:
		c.logger.Warn().Str("topic", f.Topic).Str("error", f.Error).Msg("relay error")
		c.resolve(f.Topic, errors.New(f.Error))

	default:
		c.logger.Debug().Str("op", f.Op).Msg("unhandled frame")
	}
}

func (c *WebSocket) resolve(topic string, err error) {
	c.mu.Lock()
	ack, ok := c.pending[topic]
	delete(c.pending, topic)
	c.mu.Unlock()
	if ok {
		ack <- err
	}
}

func (c *WebSocket) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.logger.Warn().Err(err).Msg("ping error")
				}
				return
			}
		}
	}
}
