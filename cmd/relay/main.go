package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/httptunnel/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to relay configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	var cfg *relay.Config
	if *configPath != "" {
		loaded, err := relay.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		// no file: defaults plus environment overrides
		cfg = relay.DefaultConfig()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid configuration", "err", err)
			os.Exit(1)
		}
	}

	st, closeStore, err := relay.BuildStore(cfg, slog.Default())
	if err != nil {
		slog.Error("failed to build store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := relay.NewServer(cfg, st, slog.Default())
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("relay server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}
