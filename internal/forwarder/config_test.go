package forwarder

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func Test_load_config(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarder.yaml")
	content := `
relay:
  url: wss://relay.example.com/_tunnel/ws
local:
  target_url: http://127.0.0.1:3000
auth:
  shared_secret: super-secret
tunnel:
  reconnect_delay: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Relay.URL != "wss://relay.example.com/_tunnel/ws" {
		t.Errorf("relay url: %q", cfg.Relay.URL)
	}
	if cfg.Local.TargetURL != "http://127.0.0.1:3000" {
		t.Errorf("target url: %q", cfg.Local.TargetURL)
	}
	if cfg.Tunnel.ReconnectDelay != 2*time.Second {
		t.Errorf("reconnect delay override lost: %v", cfg.Tunnel.ReconnectDelay)
	}
	// untouched fields keep their defaults
	if cfg.Tunnel.MaxReconnectDelay != 60*time.Second {
		t.Errorf("default max delay lost: %v", cfg.Tunnel.MaxReconnectDelay)
	}
	if cfg.Tunnel.HeartbeatInterval != 300*time.Second {
		t.Errorf("default heartbeat lost: %v", cfg.Tunnel.HeartbeatInterval)
	}
	if cfg.Tunnel.QueueSize != 100 {
		t.Errorf("default queue size lost: %d", cfg.Tunnel.QueueSize)
	}
}

func Test_config_requires_relay_url(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.SharedSecret = "s"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing relay url")
	}
}

func Test_config_requires_credential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.URL = "ws://localhost/_tunnel/ws"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing credential")
	}

	cfg.Auth.Token = "static-token"
	if err := cfg.Validate(); err != nil {
		t.Errorf("token alone should satisfy auth: %v", err)
	}
}

func Test_env_overrides(t *testing.T) {
	t.Setenv("TTF_ENDPOINT", "ws://env.example.com/_tunnel/ws")
	t.Setenv("TTF_LOCAL_URL", "http://127.0.0.1:9999")
	t.Setenv("TTF_TOKEN", "env-token")
	t.Setenv("TTF_PROXY", "socks5://proxy:1080")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Relay.URL != "ws://env.example.com/_tunnel/ws" {
		t.Errorf("relay url: %q", cfg.Relay.URL)
	}
	if cfg.Local.TargetURL != "http://127.0.0.1:9999" {
		t.Errorf("local url: %q", cfg.Local.TargetURL)
	}
	if cfg.Auth.Token != "env-token" {
		t.Errorf("token: %q", cfg.Auth.Token)
	}
	if cfg.Proxy.URL != "socks5://proxy:1080" {
		t.Errorf("proxy: %q", cfg.Proxy.URL)
	}
}
