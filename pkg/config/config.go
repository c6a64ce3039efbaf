package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"peerlink/pkg/validation"
)

// ICEServer is a STUN or TURN server entry
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// PeerEntry is a statically configured peer, delivered like a discovery result
type PeerEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type Config struct {
	Node struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"node"`

	Signal struct {
		Address             string        `yaml:"address"`
		Transport           string        `yaml:"transport"` // tcp | websocket
		Path                string        `yaml:"path"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		DialTimeout         time.Duration `yaml:"dial_timeout"`
		DialAttempts        int           `yaml:"dial_attempts"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		MessagesPerSecond   float64       `yaml:"messages_per_second"`
		Burst               int           `yaml:"burst"`
		SendQueueSize       int           `yaml:"send_queue_size"`
		AuthSecret          string        `yaml:"auth_secret"`
		TokenTTL            time.Duration `yaml:"token_ttl"`
	} `yaml:"signal"`

	Liveness struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		ConnectionTimeout time.Duration `yaml:"connection_timeout"`
		MaxTimeouts       int           `yaml:"max_timeouts"`
	} `yaml:"liveness"`

	Reconnect struct {
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
		MaxAttempts int           `yaml:"max_attempts"`
		ExponentCap int           `yaml:"exponent_cap"`
		Tick        time.Duration `yaml:"tick"`
	} `yaml:"reconnect"`

	ICE struct {
		Servers   []ICEServer `yaml:"servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatheringTimeout  time.Duration `yaml:"gathering_timeout"`
		ConnectionTimeout time.Duration `yaml:"connection_timeout"`
		RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
		MaxRestarts       int           `yaml:"max_restarts"`
		TURNFallback      bool          `yaml:"turn_fallback"`
		TURNFallbackDelay time.Duration `yaml:"turn_fallback_delay"`
	} `yaml:"ice"`

	API struct {
		Enabled           bool    `yaml:"enabled"`
		Address           string  `yaml:"address"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		// MessagesPerSecond bounds POST /peers/:id/messages per client and peer
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		MessageBurst      int     `yaml:"message_burst"`
	} `yaml:"api"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Path              string `yaml:"path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Peers []PeerEntry `yaml:"peers"`
}

// RelayFallbackEnabled reports whether TURN fallback can actually be used:
// the flag is set and at least one relay server is configured.
func (c *Config) RelayFallbackEnabled() bool {
	if !c.ICE.TURNFallback {
		return false
	}
	for _, s := range c.ICE.Servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if err := validation.ValidateNonEmptyString(c.Node.ID, "node.id"); err != nil {
		return err
	}
	if err := validation.ValidatePeerID(c.Node.ID); err != nil {
		return fmt.Errorf("node.id: %w", err)
	}

	// Signal
	if err := validation.ValidateNonEmptyString(c.Signal.Address, "signal.address"); err != nil {
		return err
	}
	switch c.Signal.Transport {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("signal.transport must be tcp or websocket, got %q", c.Signal.Transport)
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.DialTimeout <= 0 {
		return fmt.Errorf("signal.dial_timeout must be > 0")
	}
	if c.Signal.DialAttempts < 0 {
		return fmt.Errorf("signal.dial_attempts must be >= 0")
	}
	if c.Signal.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be > 0")
	}
	if c.Signal.MessagesPerSecond <= 0 || c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.messages_per_second and signal.burst must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}
	if c.Signal.AuthSecret != "" && c.Signal.TokenTTL <= 0 {
		return fmt.Errorf("signal.token_ttl must be > 0 when signal.auth_secret is set")
	}

	// Liveness
	if c.Liveness.HeartbeatInterval <= 0 {
		return fmt.Errorf("liveness.heartbeat_interval must be > 0")
	}
	if c.Liveness.ConnectionTimeout <= c.Liveness.HeartbeatInterval {
		return fmt.Errorf("liveness.connection_timeout must be > liveness.heartbeat_interval")
	}
	if c.Liveness.MaxTimeouts < 0 {
		return fmt.Errorf("liveness.max_timeouts must be >= 0")
	}

	// Reconnect
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.base_delay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.ExponentCap < 0 {
		return fmt.Errorf("reconnect.exponent_cap must be >= 0")
	}
	if c.Reconnect.Tick <= 0 {
		return fmt.Errorf("reconnect.tick must be > 0")
	}

	// ICE
	if c.ICE.PortRange.Min > 0 || c.ICE.PortRange.Max > 0 {
		if c.ICE.PortRange.Min == 0 || c.ICE.PortRange.Max == 0 {
			return fmt.Errorf("ice.port_range.min and max must both be set when one is set")
		}
		if c.ICE.PortRange.Min >= c.ICE.PortRange.Max {
			return fmt.Errorf("ice.port_range.min must be < max")
		}
	}
	if c.ICE.GatheringTimeout <= 0 || c.ICE.ConnectionTimeout <= 0 || c.ICE.RecoveryTimeout <= 0 {
		return fmt.Errorf("ice gathering, connection and recovery timeouts must be > 0")
	}
	if c.ICE.MaxRestarts < 0 {
		return fmt.Errorf("ice.max_restarts must be >= 0")
	}
	if c.ICE.TURNFallback && c.ICE.TURNFallbackDelay < 0 {
		return fmt.Errorf("ice.turn_fallback_delay must be >= 0")
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("ice.servers[%d]: %w", i, err)
			}
		}
	}

	// API
	if c.API.Enabled {
		if err := validation.ValidateNonEmptyString(c.API.Address, "api.address"); err != nil {
			return fmt.Errorf("%w when api.enabled=true", err)
		}
		if c.API.RequestsPerSecond < 0 || c.API.Burst < 0 {
			return fmt.Errorf("api rate limits must be >= 0")
		}
		if c.API.MessagesPerSecond < 0 || c.API.MessageBurst < 0 {
			return fmt.Errorf("api message rate limits must be >= 0")
		}
		if c.API.MessagesPerSecond > 0 && c.API.MessageBurst == 0 {
			return fmt.Errorf("api.message_burst must be > 0 when api.messages_per_second is set")
		}
	}

	// Logging
	if err := validation.ValidateNonEmptyString(c.Logging.Level, "logging.level"); err != nil {
		return err
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Peers
	seen := make(map[string]struct{}, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			return fmt.Errorf("peers[%d] needs both id and address", i)
		}
		if err := validation.ValidatePeerID(p.ID); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if err := validation.ValidateAddress(p.Address); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if p.ID == c.Node.ID {
			return fmt.Errorf("peers[%d] has the local node id %q", i, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("peers[%d] duplicates id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, _ := os.Hostname()
	cfg.Node.ID = hostname
	if cfg.Node.ID == "" {
		cfg.Node.ID = "peerlink-node"
	}
	cfg.Node.Name = cfg.Node.ID

	cfg.Signal.Address = ":7946"
	cfg.Signal.Transport = "websocket"
	cfg.Signal.Path = "/signal"
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.DialTimeout = 5 * time.Second
	cfg.Signal.DialAttempts = 3
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.MessagesPerSecond = 100
	cfg.Signal.Burst = 200
	cfg.Signal.SendQueueSize = 64
	cfg.Signal.TokenTTL = 5 * time.Minute

	cfg.Liveness.HeartbeatInterval = 15 * time.Second
	cfg.Liveness.ConnectionTimeout = 35 * time.Second
	cfg.Liveness.MaxTimeouts = 5

	cfg.Reconnect.BaseDelay = 2 * time.Second
	cfg.Reconnect.MaxDelay = 60 * time.Second
	cfg.Reconnect.MaxAttempts = 5
	cfg.Reconnect.ExponentCap = 5
	cfg.Reconnect.Tick = time.Second

	cfg.ICE.Servers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.ICE.GatheringTimeout = 10 * time.Second
	cfg.ICE.ConnectionTimeout = 30 * time.Second
	cfg.ICE.RecoveryTimeout = 15 * time.Second
	cfg.ICE.MaxRestarts = 3
	cfg.ICE.TURNFallback = true
	cfg.ICE.TURNFallbackDelay = 5 * time.Second

	cfg.API.Enabled = true
	cfg.API.Address = "127.0.0.1:7947"
	cfg.API.RequestsPerSecond = 20
	cfg.API.Burst = 40
	cfg.API.MessagesPerSecond = 5
	cfg.API.MessageBurst = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Path = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "peerlink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.Channel = "peerlink:transitions"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if id := os.Getenv("PEERLINK_NODE_ID"); id != "" {
		c.Node.ID = id
	}
	if addr := os.Getenv("PEERLINK_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if transport := os.Getenv("PEERLINK_SIGNAL_TRANSPORT"); transport != "" {
		c.Signal.Transport = transport
	}
	if secret := os.Getenv("PEERLINK_SIGNAL_SECRET"); secret != "" {
		c.Signal.AuthSecret = secret
	}
	if addr := os.Getenv("PEERLINK_API_ADDRESS"); addr != "" {
		c.API.Address = addr
	}
	if level := os.Getenv("PEERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("PEERLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
