package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is the forwarder connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String names a state for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// _backoff produces the reconnect delay sequence: doubling from the initial
// delay to the cap, reset after a successful handshake.
type _backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func _new_backoff(initial, max time.Duration) *_backoff {
	return &_backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *_backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset restarts the sequence from the initial delay.
func (b *_backoff) Reset() {
	b.current = b.initial
}

// Manager owns the forwarder lifecycle: it dials the relay, runs the
// connection, and reconnects with exponential backoff when it drops.
type Manager struct {
	cfg    *Config
	dialer *ProxyDialer
	local  *LocalClient
	state  atomic.Int32
	log    *slog.Logger
}

// NewManager assembles a forwarder from its configuration.
func NewManager(cfg *Config, log *slog.Logger) (*Manager, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		local:  NewLocalClient(cfg.Local.TargetURL, cfg.Local.Timeout, log),
		log:    log.With("component", "forwarder"),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) _set_state(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.log.Info("state changed", "from", old.String(), "to", s.String())
	}
}

// Run blocks until the context is cancelled, maintaining the tunnel across
// disconnects.
func (m *Manager) Run(ctx context.Context) error {
	if m.dialer != nil && m.cfg.Proxy.VerifyRouting {
		v := NewVerifier(m.dialer, m.cfg.Proxy.CheckURL, m.cfg.Proxy.HealthTimeout, m.log)
		if err := v.VerifyRouting(ctx); err != nil {
			return fmt.Errorf("verifying proxy routing: %w", err)
		}
	}

	backoff := _new_backoff(m.cfg.Tunnel.ReconnectDelay, m.cfg.Tunnel.MaxReconnectDelay)

	for {
		m._set_state(StateConnecting)
		err := m._run_once(ctx, backoff)
		if ctx.Err() != nil {
			m._set_state(StateDisconnected)
			return ctx.Err()
		}

		m._set_state(StateReconnecting)
		delay := backoff.Next()
		m.log.Warn("tunnel down, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m._set_state(StateDisconnected)
			return ctx.Err()
		}
	}
}

// _run_once dials, runs one connection to completion and resets the backoff
// once the handshake succeeds. a connection dropped mid-handshake counts as
// a failed attempt and keeps the current delay.
func (m *Manager) _run_once(ctx context.Context, backoff *_backoff) error {
	conn, err := Dial(ctx, m.cfg, m.dialer, m.local, m.log)
	if err != nil {
		return err
	}
	defer conn.Close()

	m._set_state(StateConnected)
	backoff.Reset()

	return conn.Run(ctx)
}
