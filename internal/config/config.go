package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"livecast/native/internal/domain"
)

const (
	RelayWebSocket = "websocket"
	RelayRedis     = "redis"

	defaultTURNHost = "openrelay.metered.ca"
)

// Config holds the application configuration.
type Config struct {
	Session  string
	APIURL   string
	Relay    string
	RelayURL string
	Token    string

	Redis RedisConfig

	ICEServers        []domain.ICEServer
	CandidatePoolSize uint8

	KeepAliveInterval    time.Duration
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	NegotiationTimeout   time.Duration

	LogLevel string

	Server ServerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ServerConfig is only read by the relay server.
type ServerConfig struct {
	ListenAddr     string
	JWTSecret      string
	BroadcastKey   string
	AllowedOrigins []string
	PublicRelayURL string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		Session:  os.Getenv("LIVECAST_SESSION"),
		APIURL:   getEnv("LIVECAST_API_URL", "http://localhost:8080"),
		Relay:    getEnv("LIVECAST_RELAY", RelayWebSocket),
		RelayURL: os.Getenv("LIVECAST_RELAY_URL"),
		Token:    os.Getenv("LIVECAST_TOKEN"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
			JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
			BroadcastKey:   os.Getenv("BROADCAST_KEY"),
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
			PublicRelayURL: os.Getenv("PUBLIC_RELAY_URL"),
		},
	}

	var errs []error
	var err error
	if cfg.Redis.DB, err = intEnv("REDIS_DB", 0); err != nil {
		errs = append(errs, err)
	}
	pool, err := intEnv("ICE_CANDIDATE_POOL_SIZE", 2)
	if err != nil {
		errs = append(errs, err)
	} else if pool < 0 || pool > 255 {
		errs = append(errs, fmt.Errorf("ICE_CANDIDATE_POOL_SIZE %d out of range", pool))
	}
	cfg.CandidatePoolSize = uint8(pool)
	if cfg.ReconnectMaxAttempts, err = intEnv("RECONNECT_MAX_ATTEMPTS", 5); err != nil {
		errs = append(errs, err)
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"KEEPALIVE_INTERVAL", 5 * time.Second, &cfg.KeepAliveInterval},
		{"RECONNECT_DELAY", 2 * time.Second, &cfg.ReconnectDelay},
		{"RECONNECT_MAX_DELAY", 30 * time.Second, &cfg.ReconnectMaxDelay},
		{"NEGOTIATION_TIMEOUT", 15 * time.Second, &cfg.NegotiationTimeout},
	}
	for _, d := range durations {
		if *d.dest, err = durationEnv(d.key, d.def); err != nil {
			errs = append(errs, err)
		}
	}

	if path := os.Getenv("ICE_SERVERS_FILE"); path != "" {
		if cfg.ICEServers, err = LoadICEServers(path); err != nil {
			errs = append(errs, err)
		}
	} else {
		cfg.ICEServers = DefaultICEServers(
			getEnv("TURN_HOST", defaultTURNHost),
			os.Getenv("TURN_USERNAME"),
			os.Getenv("TURN_CREDENTIAL"),
		)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the settings every client needs.
func (c *Config) Validate() error {
	var stun, turn bool
	for _, s := range c.ICEServers {
		for _, u := range s.URLs {
			switch {
			case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
				stun = true
			case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
				turn = true
			}
		}
	}
	var errs []error
	if !stun {
		errs = append(errs, errors.New("no STUN server configured"))
	}
	if !turn {
		errs = append(errs, errors.New("no TURN server configured"))
	}
	if c.CandidatePoolSize == 0 {
		errs = append(errs, errors.New("ICE candidate pool size must be positive"))
	}
	switch c.Relay {
	case RelayWebSocket, RelayRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown relay %q", c.Relay))
	}
	if c.ReconnectMaxAttempts <= 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

// DefaultICEServers returns public STUN servers plus TURN on host over
// UDP, TCP and TLS on 443, all sharing one credential.
func DefaultICEServers(turnHost, username, credential string) []domain.ICEServer {
	return []domain.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun.cloudflare.com:3478"}},
		{
			URLs: []string{
				"turn:" + turnHost + ":80?transport=udp",
				"turn:" + turnHost + ":80?transport=tcp",
				"turns:" + turnHost + ":443?transport=tcp",
			},
			Username:   username,
			Credential: credential,
		},
	}
}

type iceServersFile struct {
	ICEServers []domain.ICEServer `yaml:"iceServers"`
}

// LoadICEServers reads the ICE server list from a YAML file of the form
//
//	iceServers:
//	  - urls: ["stun:stun.example.com:3478"]
//	  - urls: ["turn:turn.example.com:3478"]
//	    username: user
//	    credential: secret
func LoadICEServers(path string) ([]domain.ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ICE servers: %w", err)
	}
	var f iceServersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ICE servers %s: %w", path, err)
	}
	if len(f.ICEServers) == 0 {
		return nil, fmt.Errorf("parse ICE servers %s: empty list", path)
	}
	return f.ICEServers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
