package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay server configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls tls certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the shared secret for hmac authentication. Required
// defaults to true; disabling it admits any agent.
type AuthConfig struct {
	Required     bool   `yaml:"required"`
	SharedSecret string `yaml:"shared_secret"`
}

// TunnelConfig controls tunnel behaviour.
type TunnelConfig struct {
	WSPath          string        `yaml:"ws_path"`
	PublicBaseURL   string        `yaml:"public_base_url"`
	Domain          string        `yaml:"domain"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StoreConfig selects the rendezvous store backend. the table names become
// redis key prefixes and are ignored by the memory backend.
type StoreConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelsTable string `yaml:"channels_table"`
	PendingTable  string `yaml:"pending_table"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads and parses a relay configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// DefaultConfig returns a config pre-seeded with the standard settings.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Auth:   AuthConfig{Required: true},
		Tunnel: TunnelConfig{
			WSPath:          "/_tunnel/ws",
			PublicBaseURL:   "http://localhost:8080",
			IdleTimeout:     10 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Store: StoreConfig{
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
			ChannelsTable: "channels",
			PendingTable:  "pending",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks the loaded configuration for required fields.
func (c *Config) Validate() error {
	if c.Auth.Required && c.Auth.SharedSecret == "" {
		return fmt.Errorf("auth.shared_secret is required when auth is enabled")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	return nil
}

// ApplyEnv overrides config fields from environment variables, for
// deployments that configure the relay without a file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DOMAIN_NAME"); v != "" {
		c.Tunnel.Domain = v
	}
	if v := os.Getenv("ENABLE_SUBDOMAIN_ROUTING"); v == "false" {
		c.Tunnel.Domain = ""
	}
	if v := os.Getenv("REQUIRE_AUTH"); v != "" {
		c.Auth.Required = v == "true"
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.SharedSecret = v
	}
	if v := os.Getenv("CONNECTIONS_TABLE_NAME"); v != "" {
		c.Store.ChannelsTable = v
	}
	if v := os.Getenv("PENDING_REQUESTS_TABLE_NAME"); v != "" {
		c.Store.PendingTable = v
	}
}
