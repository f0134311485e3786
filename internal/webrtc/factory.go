package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"livecast/native/internal/domain"
)

// Compile-time interface check.
var _ domain.PeerFactory = (*Factory)(nil)

// CodecPopulator registers codecs on a media engine. mediadevices'
// CodecSelector satisfies it.
type CodecPopulator interface {
	Populate(*pion.MediaEngine)
}

// Config describes every peer connection the factory builds.
type Config struct {
	ICEServers        []domain.ICEServer
	CandidatePoolSize uint8

	// Codecs replaces the default codec set when non-nil.
	Codecs CodecPopulator

	// Zero values keep pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback and DisableMDNS are for same-host setups and tests.
	IncludeLoopback bool
	DisableMDNS     bool
}

// Factory builds preconfigured peers. It holds no per-connection state.
type Factory struct {
	api           *pion.API
	configuration pion.Configuration
	logger        zerolog.Logger
}

// NewFactory builds the pion API (media engine, interceptors, settings)
// once and reuses it for every peer.
func NewFactory(cfg Config, logger zerolog.Logger) (*Factory, error) {
	m := &pion.MediaEngine{}
	if cfg.Codecs != nil {
		cfg.Codecs.Populate(m)
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	s := pion.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		// A zero timeout disables the transition in pion, so unset values
		// fall back to pion's defaults rather than zero.
		s.SetICETimeouts(
			orDefault(cfg.DisconnectedTimeout, 5*time.Second),
			orDefault(cfg.FailedTimeout, 25*time.Second),
			orDefault(cfg.KeepAliveInterval, 2*time.Second),
		)
	}
	if cfg.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}
	if cfg.DisableMDNS {
		s.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	servers := make([]pion.ICEServer, 0, len(cfg.ICEServers))
	for _, srv := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:           srv.URLs,
			Username:       srv.Username,
			Credential:     srv.Credential,
			CredentialType: pion.ICECredentialTypePassword,
		})
	}

	return &Factory{
		api: api,
		configuration: pion.Configuration{
			ICEServers:           servers,
			ICECandidatePoolSize: cfg.CandidatePoolSize,
			BundlePolicy:         pion.BundlePolicyMaxBundle,
		},
		logger: logger.With().Str("component", "webrtc").Logger(),
	}, nil
}

// NewPeer creates a peer connection with the factory's configuration.
func (f *Factory) NewPeer() (domain.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.configuration)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newPeer(pc, f.logger), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
