// Package connect sets up the relay medium and live-flag store a client
// binary needs, from configuration and, for the websocket relay, a ticket
// from the relay server.
package connect

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"livecast/native/internal/api"
	"livecast/native/internal/config"
	"livecast/native/internal/domain"
	"livecast/native/internal/livestate"
	"livecast/native/internal/relay"
	"livecast/native/internal/webrtc"
)

// Conn is an open connection to the relay infrastructure.
type Conn struct {
	Medium     domain.Medium
	Live       domain.LiveStore
	ICEServers []domain.ICEServer

	closers []func() error
}

// Dial opens the medium selected by cfg.Relay. key is the broadcast key
// and only matters for broadcaster tickets.
func Dial(ctx context.Context, cfg *config.Config, session string, role domain.Role, key string, logger zerolog.Logger) (*Conn, error) {
	switch cfg.Relay {
	case config.RelayRedis:
		return dialRedis(ctx, cfg, logger)
	case config.RelayWebSocket:
		return dialWebSocket(ctx, cfg, session, role, key, logger)
	}
	return nil, fmt.Errorf("unknown relay %q", cfg.Relay)
}

func dialRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Conn, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	medium := relay.NewRedis(client, logger)
	return &Conn{
		Medium:     medium,
		Live:       livestate.NewRedisStore(client, logger),
		ICEServers: cfg.ICEServers,
		closers:    []func() error{medium.Close, client.Close},
	}, nil
}

// dialWebSocket uses LIVECAST_TOKEN and LIVECAST_RELAY_URL when both are
// set and fetches a ticket otherwise.
func dialWebSocket(ctx context.Context, cfg *config.Config, session string, role domain.Role, key string, logger zerolog.Logger) (*Conn, error) {
	client := api.NewClient(cfg.APIURL)

	token, relayURL, ice := cfg.Token, cfg.RelayURL, cfg.ICEServers
	if token == "" || relayURL == "" {
		ticket, err := client.FetchTicket(ctx, session, role, key)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("session", session).Str("role", string(role)).Time("expires", ticket.ExpiresAt).Msg("ticket obtained")
		token, relayURL = ticket.Token, ticket.RelayURL
		if len(ticket.ICEServers) > 0 {
			ice = ticket.ICEServers
		}
	}
	client.SetToken(token)

	medium, err := relay.DialWebSocket(ctx, relayURL, token, logger)
	if err != nil {
		return nil, err
	}
	return &Conn{
		Medium:     medium,
		Live:       livestate.NewHTTPStore(client, 0, logger),
		ICEServers: ice,
		closers:    []func() error{medium.Close},
	}, nil
}

// FactoryConfig returns the peer factory settings for this connection.
func (c *Conn) FactoryConfig(cfg *config.Config) webrtc.Config {
	return webrtc.Config{
		ICEServers:        c.ICEServers,
		CandidatePoolSize: cfg.CandidatePoolSize,
	}
}

func (c *Conn) Close() error {
	var first error
	for _, fn := range c.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
