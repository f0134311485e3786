package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"livecast/native/internal/auth"
	"livecast/native/internal/config"
	"livecast/native/internal/domain"
	"livecast/native/internal/livestate"
	"livecast/native/internal/logging"
	"livecast/native/internal/relay"
	"livecast/native/internal/server"
)

const helpText = `relay - Relay server for live sessions

Usage:
  relay [options]

Hands out tickets (relay token and ICE servers), stores the live flag of
each session and relays signaling messages between broadcasters and
viewers over websockets. Live flags live in Redis when LIVECAST_RELAY is
redis and in memory otherwise.

Environment Variables:
  LISTEN_ADDR       Address to listen on (default :8080)
  JWT_SECRET        Secret for relay tokens
  BROADCAST_KEY     Key required for broadcaster tickets
  ALLOWED_ORIGINS   Comma-separated browser origins, or *
  PUBLIC_RELAY_URL  Websocket URL put in tickets

Options:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listen, logLevel string
	var console bool

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "", "listen address (default $LISTEN_ADDR or :8080)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (default $LOG_LEVEL or info)")
	flagSet.BoolVar(&console, "console", false, "human-readable logs")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.ListenAddr = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.New(cfg.LogLevel, console)
	if cfg.LogLevel != "debug" && cfg.LogLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Server.BroadcastKey == "" {
		logger.Warn().Msg("BROADCAST_KEY is empty, anyone can broadcast")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var live domain.LiveStore = livestate.NewMemoryStore()
	if cfg.Relay == config.RelayRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("live flags in redis")
		live = livestate.NewRedisStore(client, logger)
	}

	srv := server.New(server.Options{
		Issuer:         auth.NewIssuer(cfg.Server.JWTSecret, auth.DefaultTTL),
		Live:           live,
		Hub:            relay.NewHub(logger),
		BroadcastKey:   cfg.Server.BroadcastKey,
		ICEServers:     cfg.ICEServers,
		PublicRelayURL: cfg.Server.PublicRelayURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	return srv.Run(ctx, cfg.Server.ListenAddr)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, helpText)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
