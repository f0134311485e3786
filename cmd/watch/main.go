package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"livecast/native/internal/config"
	"livecast/native/internal/connect"
	"livecast/native/internal/domain"
	"livecast/native/internal/livestate"
	"livecast/native/internal/logging"
	"livecast/native/internal/playback"
	"livecast/native/internal/viewer"
	"livecast/native/internal/webrtc"
)

const helpText = `watch - Watch a live session over WebRTC

Usage:
  watch [options]

Waits for the session to go live, joins it, and leaves again when it goes
offline. Received media is recorded to files in --out; with --out - the
H264 video is written to stdout instead.

Examples:
  # Live playback of an H264 broadcast
  watch --session demo --out - | ffplay -f h264 -

  # Record a voice session
  watch --session demo --mode voice --out ./recordings

Options:
`

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		session, mode, out, logLevel string
		console                      bool
	)

	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flagSet.StringVar(&session, "session", "", "session id (default $LIVECAST_SESSION)")
	flagSet.StringVar(&mode, "mode", string(domain.ModeVideo), "session mode: video or voice")
	flagSet.StringVarP(&out, "out", "o", "recordings", "directory for recordings, or - for H264 on stdout")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (default $LOG_LEVEL or info)")
	flagSet.BoolVar(&console, "console", true, "human-readable logs")
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
	if session != "" {
		cfg.Session = session
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.Session == "" {
		return errors.New("no session: pass --session or set LIVECAST_SESSION")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m, err := domain.ParseMode(mode)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, console)

	var surface viewer.Surface = &playback.Recorder{Dir: out, Logger: logger}
	if out == "-" {
		surface = &playback.Pipe{W: os.Stdout, Logger: logger}
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := connect.Dial(ctx, cfg, cfg.Session, domain.RoleViewer, "", logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	factory, err := webrtc.NewFactory(conn.FactoryConfig(cfg), logger)
	if err != nil {
		return err
	}

	var gaveUp error
	v := viewer.New(viewer.Options{
		SessionID:            cfg.Session,
		Mode:                 m,
		Factory:              factory,
		Medium:               conn.Medium,
		Surface:              surface,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		NegotiationTimeout:   cfg.NegotiationTimeout,
		OnLoaded:             func() { logger.Info().Msg("receiving media") },
		OnStateChange: func(s domain.ConnectionState) {
			logger.Info().Str("state", s.String()).Msg("connection state")
		},
		OnGiveUp: func(err error) {
			gaveUp = err
			cancel()
		},
		Logger: logger,
	})
	defer v.Close()

	logger.Info().Str("session", cfg.Session).Msg("waiting for the session to go live")
	err = livestate.NewBridge(conn.Live, logger).Follow(ctx, cfg.Session, v)
	if gaveUp != nil {
		return gaveUp
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, helpText)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
