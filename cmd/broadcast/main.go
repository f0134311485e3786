package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/spf13/pflag"

	"livecast/native/internal/broadcaster"
	"livecast/native/internal/capture"
	"livecast/native/internal/config"
	"livecast/native/internal/connect"
	"livecast/native/internal/domain"
	"livecast/native/internal/livestate"
	"livecast/native/internal/logging"
	"livecast/native/internal/webrtc"
)

const helpText = `broadcast - Go live on a session over WebRTC

Usage:
  broadcast [options]

Captures the screen, a camera or a microphone and serves it to every viewer
of the session, peer to peer. Runs until interrupted or until the capture
ends.

Environment Variables:
  LIVECAST_SESSION  Session id (or --session)
  LIVECAST_RELAY    websocket (default) or redis
  LIVECAST_API_URL  Relay server URL for tickets and the live flag
  BROADCAST_KEY     Key the relay server requires for broadcaster tickets

Examples:
  # Share the screen with microphone audio
  broadcast --session demo --source screen --audio

  # Voice-only broadcast from a specific microphone
  broadcast --session demo --source microphone --audio-device hw:1

Options:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		session, source, videoDevice, audioDevice string
		key, logLevel                             string
		audio, listDevices, console               bool
		width, height                             int
		frameRate                                 float64
	)

	flagSet := pflag.NewFlagSet("broadcast", pflag.ContinueOnError)
	flagSet.StringVar(&session, "session", "", "session id (default $LIVECAST_SESSION)")
	flagSet.StringVar(&source, "source", string(capture.SourceCamera), "what to capture: screen, camera or microphone")
	flagSet.StringVar(&videoDevice, "video-device", "", "camera device id (default: first camera)")
	flagSet.StringVar(&audioDevice, "audio-device", "", "microphone device id (default: first microphone)")
	flagSet.BoolVar(&audio, "audio", false, "add microphone audio to screen and camera broadcasts")
	flagSet.IntVar(&width, "width", 0, "preferred video width")
	flagSet.IntVar(&height, "height", 0, "preferred video height")
	flagSet.Float64Var(&frameRate, "fps", 0, "preferred video frame rate")
	flagSet.BoolVar(&listDevices, "list-devices", false, "print capture devices and exit")
	flagSet.StringVar(&key, "key", os.Getenv("BROADCAST_KEY"), "broadcast key for the relay server")
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

	if listDevices {
		for _, d := range capture.NewInventory(nil).Devices() {
			fmt.Printf("%-11s %s\t%s\n", d.Kind, d.ID, d.Label)
		}
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
	logger := logging.New(cfg.LogLevel, console)

	src, err := capture.ParseSource(source)
	if err != nil {
		return err
	}
	codecs, err := codecSelector()
	if err != nil {
		return err
	}
	strategy, err := capture.NewStrategy(capture.Config{
		Source:        src,
		VideoDeviceID: videoDevice,
		AudioDeviceID: audioDevice,
		Audio:         audio,
		Width:         width,
		Height:        height,
		FrameRate:     frameRate,
		Codecs:        codecs,
	}, capture.DefaultBackend(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := connect.Dial(ctx, cfg, cfg.Session, domain.RoleBroadcaster, key, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	fc := conn.FactoryConfig(cfg)
	fc.Codecs = codecs
	factory, err := webrtc.NewFactory(fc, logger)
	if err != nil {
		return err
	}

	b := broadcaster.New(broadcaster.Options{
		SessionID:         cfg.Session,
		Factory:           factory,
		Medium:            conn.Medium,
		Strategy:          strategy,
		Live:              livestate.NewBridge(conn.Live, logger),
		KeepAliveInterval: cfg.KeepAliveInterval,
		Logger:            logger,
	})
	if err := b.Start(ctx); err != nil {
		switch {
		case errors.Is(err, domain.ErrCaptureDenied):
			return fmt.Errorf("%w (check the OS privacy settings for %s capture)", err, src)
		case errors.Is(err, domain.ErrDeviceUnavailable):
			return fmt.Errorf("%w (run with --list-devices)", err)
		}
		return err
	}
	logger.Info().Str("session", b.Session().Topic()).Msg("live")

	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupted, going offline")
	case <-b.Done():
		logger.Info().Msg("capture ended")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return b.Stop(stopCtx)
}

// codecSelector encodes video as VP8 and audio as Opus.
func codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 20 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 64_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, helpText)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
