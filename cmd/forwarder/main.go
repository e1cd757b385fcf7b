package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/httptunnel/internal/forwarder"
)

func main() {
	configPath := flag.String("config", "", "path to forwarder configuration file")
	port := flag.Int("port", 3000, "local service port")
	host := flag.String("host", "127.0.0.1", "local service host")
	endpoint := flag.String("endpoint", "", "relay websocket endpoint (env TTF_ENDPOINT)")
	token := flag.String("token", "", "bearer token for the relay (env TTF_TOKEN)")
	secret := flag.String("secret", "", "shared secret for minting auth tokens")
	connectTimeout := flag.Int("connect-timeout", 10, "handshake timeout in seconds")
	requestTimeout := flag.Int("request-timeout", 25, "per-request timeout in seconds")
	proxyURL := flag.String("proxy-url", "", "egress proxy url (socks5 or http connect, env TTF_PROXY)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	cfg := forwarder.DefaultConfig()
	if *configPath != "" {
		loaded, err := forwarder.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	// flags win over both the file and the environment, but only the ones
	// actually given on the command line.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["endpoint"] {
		cfg.Relay.URL = *endpoint
	}
	if set["host"] || set["port"] {
		cfg.Local.TargetURL = fmt.Sprintf("http://%s:%d", *host, *port)
	}
	if set["token"] {
		cfg.Auth.Token = *token
	}
	if set["secret"] {
		cfg.Auth.SharedSecret = *secret
	}
	if set["connect-timeout"] {
		cfg.Tunnel.HandshakeTimeout = time.Duration(*connectTimeout) * time.Second
	}
	if set["request-timeout"] {
		cfg.Local.Timeout = time.Duration(*requestTimeout) * time.Second
	}
	if set["proxy-url"] {
		cfg.Proxy.URL = *proxyURL
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := forwarder.NewManager(cfg, slog.Default())
	if err != nil {
		slog.Error("failed to create forwarder", "err", err)
		os.Exit(1)
	}

	slog.Info("forwarder starting", "relay", cfg.Relay.URL, "local", cfg.Local.TargetURL)
	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("forwarder exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("forwarder stopped")
}
