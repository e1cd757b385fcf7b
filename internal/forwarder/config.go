package forwarder

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the forwarder configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Local  LocalConfig  `yaml:"local"`
	Auth   AuthConfig   `yaml:"auth"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// RelayConfig specifies the relay websocket endpoint.
type RelayConfig struct {
	URL string `yaml:"url"`
}

// LocalConfig specifies the local service the tunnel exposes.
type LocalConfig struct {
	TargetURL string        `yaml:"target_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AuthConfig holds the agent credential. Token is used verbatim when set;
// otherwise a token is minted from the shared secret per connection attempt.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
	Token        string `yaml:"token"`
}

// ProxyConfig controls optional egress proxy routing.
type ProxyConfig struct {
	URL           string        `yaml:"url"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	VerifyRouting bool          `yaml:"verify_routing"`
	CheckURL      string        `yaml:"check_url"`
}

// TunnelConfig controls reconnection, handshake and keepalive behaviour.
type TunnelConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	QueueSize         int           `yaml:"queue_size"`
}

// DefaultConfig returns a config pre-seeded with the standard timings.
func DefaultConfig() *Config {
	return &Config{
		Local: LocalConfig{
			TargetURL: "http://127.0.0.1:3000",
			Timeout:   25 * time.Second,
		},
		Proxy: ProxyConfig{
			HealthTimeout: 10 * time.Second,
			CheckURL:      "https://api.ipify.org",
		},
		Tunnel: TunnelConfig{
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 60 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 300 * time.Second,
			QueueSize:         100,
		},
	}
}

// LoadConfig reads and parses a forwarder configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the required fields are present.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Auth.SharedSecret == "" && c.Auth.Token == "" {
		return fmt.Errorf("auth.shared_secret or auth.token is required")
	}
	if c.Local.TargetURL == "" {
		return fmt.Errorf("local.target_url is required")
	}
	return nil
}

// ApplyEnv overrides config fields from TTF_* environment variables, so the
// forwarder runs without a config file in containerised setups.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TTF_ENDPOINT"); v != "" {
		c.Relay.URL = v
	}
	if v := os.Getenv("TTF_RELAY_URL"); v != "" {
		c.Relay.URL = v
	}
	if v := os.Getenv("TTF_LOCAL_URL"); v != "" {
		c.Local.TargetURL = v
	}
	if v := os.Getenv("TTF_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("TTF_SHARED_SECRET"); v != "" {
		c.Auth.SharedSecret = v
	}
	if v := os.Getenv("TTF_PROXY"); v != "" {
		c.Proxy.URL = v
	}
}
