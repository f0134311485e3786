package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Hub is the server side of the websocket relay. It fans each published
// payload out to the other subscribers of the topic. A subscriber whose
// send buffer is full misses the payload.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	topics map[string]map[*hubConn]struct{}
}

// hubConn is one websocket client of the hub.
type hubConn struct {
	id    string
	ws    *websocket.Conn
	send  chan []byte
	allow func(topic string) bool

	// topics is only touched by the connection's read pump.
	topics map[string]struct{}
}

// NewHub creates a hub. Origin checks are left to the HTTP middleware in
// front of it.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "relay.hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics: make(map[string]map[*hubConn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// allow decides which topics the caller may subscribe and publish to.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, allow func(topic string) bool) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &hubConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		allow:  allow,
		topics: make(map[string]struct{}),
	}
	h.logger.Debug().Str("conn", c.id).Msg("client connected")

	go h.writePump(c)
	h.readPump(c)
}

// Subscribers returns the number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) subscribe(c *hubConn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*hubConn]struct{})
		h.topics[topic] = set
	}
	set[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(c *hubConn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.topics, topic)
	set, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) broadcast(sender *hubConn, topic string, payload []byte) {
	data, err := json.Marshal(frame{Op: opMessage, Topic: topic, Data: payload})
	if err != nil {
		h.logger.Warn().Err(err).Msg("marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		if c == sender {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("conn", c.id).Str("topic", topic).Msg("send buffer full, dropping")
		}
	}
}

func (h *Hub) reply(c *hubConn, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn().Str("conn", c.id).Msg("send buffer full, dropping reply")
	}
}

func (h *Hub) readPump(c *hubConn) {
	defer func() {
		for topic := range c.topics {
			h.unsubscribe(c, topic)
		}
		close(c.send)
		c.ws.Close()
		h.logger.Debug().Str("conn", c.id).Msg("client disconnected")
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn", c.id).Msg("websocket error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Warn().Err(err).Str("conn", c.id).Msg("unmarshal frame")
			continue
		}

		switch f.Op {
		case opSubscribe:
			if !c.allow(f.Topic) {
				h.reply(c, frame{Op: opError, Topic: f.Topic, Error: "topic not allowed"})
				continue
			}
			h.subscribe(c, f.Topic)
			h.reply(c, frame{Op: opSubscribed, Topic: f.Topic})

		case opUnsubscribe:
			h.unsubscribe(c, f.Topic)

		case opPublish:
			if !c.allow(f.Topic) {
				h.reply(c, frame{Op: opError, Topic: f.Topic, Error: "topic not allowed"})
				continue
			}
			h.broadcast(c, f.Topic, f.Data)

		default:
			h.logger.Debug().Str("op", f.Op).Msg("unknown op")
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn().Err(err).Str("conn", c.id).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
