package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/httptunnel/internal/protocol"
	"github.com/httptunnel/internal/relay"
)

// Conn is one established tunnel connection: websocket plus the handshake
// state the relay assigned to it.
type Conn struct {
	codec     *protocol.Codec
	cfg       *Config
	local     *LocalClient
	outbound  chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger

	// populated by the handshake
	TunnelID  string
	PublicURL string
}

// Dial connects to the relay and completes the tunnel handshake: open the
// websocket, announce ready, wait for connection_established.
func Dial(ctx context.Context, cfg *Config, dialer *ProxyDialer, local *LocalClient, log *slog.Logger) (*Conn, error) {
	wsDialer := websocket.Dialer{HandshakeTimeout: cfg.Tunnel.HandshakeTimeout}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	token := cfg.Auth.Token
	if token == "" {
		token = relay.GenerateToken(cfg.Auth.SharedSecret)
	}

	log.Info("connecting to relay", "url", cfg.Relay.URL)

	// bearer header first; fall back to the query parameter for relays or
	// middleboxes that drop the header during the upgrade.
	header := http.Header{"Authorization": {"Bearer " + token}}
	wsConn, _, err := wsDialer.DialContext(ctx, cfg.Relay.URL, header)
	if err != nil {
		fallback, ferr := _token_url(cfg.Relay.URL, token)
		if ferr != nil {
			return nil, fmt.Errorf("dialling relay: %w", err)
		}
		wsConn, _, ferr = wsDialer.DialContext(ctx, fallback, nil)
		if ferr != nil {
			return nil, fmt.Errorf("dialling relay: %w", err)
		}
	}

	c := &Conn{
		codec:    protocol.NewCodec(wsConn),
		cfg:      cfg,
		local:    local,
		outbound: make(chan *protocol.Message, cfg.Tunnel.QueueSize),
		done:     make(chan struct{}),
		log:      log,
	}

	if err := c._handshake(wsConn); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// _token_url appends the token query parameter to the relay url.
func _token_url(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// _handshake announces ready and waits for the relay's
// connection_established reply within the handshake timeout.
func (c *Conn) _handshake(wsConn *websocket.Conn) error {
	if err := c.codec.WriteMessage(&protocol.Message{Type: protocol.TypeReady}); err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}

	deadline := time.Now().Add(c.cfg.Tunnel.HandshakeTimeout)
	_ = wsConn.SetReadDeadline(deadline)
	defer wsConn.SetReadDeadline(time.Time{})

	for {
		msg, err := c.codec.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for connection_established: %w", err)
		}
		switch msg.Type {
		case protocol.TypeConnectionEstablished:
			c.TunnelID = msg.TunnelID
			c.PublicURL = msg.PublicURL
			c.log.Info("tunnel established", "tunnel_id", c.TunnelID, "public_url", c.PublicURL)
			return nil
		case protocol.TypePing:
			c._enqueue(&protocol.Message{Type: protocol.TypePong})
		default:
			// anything else before the handshake completes is unexpected
			// but not fatal; keep waiting until the deadline.
			c.log.Debug("frame before handshake completion", "type", msg.Type)
		}
	}
}

// Run processes the tunnel until it fails or the context is cancelled. the
// reader, writer and heartbeat loops run concurrently; each tunnelled
// request gets its own goroutine so a slow local service never stalls the
// websocket.
func (c *Conn) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c._read_loop(ctx) })
	g.Go(func() error { return c._write_loop(ctx) })
	g.Go(func() error { return c._heartbeat_loop(ctx) })

	err := g.Wait()
	c.Close()
	return err
}

// Close shuts down the connection.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.codec.Close()
		c.log.Info("tunnel connection closed")
	})
}

// Done returns a channel that closes when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// _enqueue places a frame on the outbound queue, giving up when the
// connection dies first.
func (c *Conn) _enqueue(msg *protocol.Message) {
	select {
	case c.outbound <- msg:
	case <-c.done:
	}
}

// _read_loop reads relay frames and dispatches them.
func (c *Conn) _read_loop(ctx context.Context) error {
	for {
		msg, err := c.codec.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch msg.Type {
		case protocol.TypeHTTPRequest:
			req := msg.Request
			go func() {
				c._enqueue(c.local.Execute(ctx, req))
			}()
		case protocol.TypePing:
			c._enqueue(&protocol.Message{Type: protocol.TypePong})
		case protocol.TypePong:
			// heartbeat acknowledgement
		case protocol.TypeError:
			c.log.Warn("relay reported error", "code", msg.Code, "msg", msg.ErrorMsg)
		default:
			c.log.Warn("unexpected frame from relay", "type", msg.Type)
		}
	}
}

// _write_loop owns all websocket writes after the handshake.
func (c *Conn) _write_loop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.outbound:
			if err := c.codec.WriteMessage(msg); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}

// _heartbeat_loop keeps the connection alive through NATs and the relay's
// idle timeout.
func (c *Conn) _heartbeat_loop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Tunnel.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c._enqueue(&protocol.Message{Type: protocol.TypePing})
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}
