package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelGone is returned by Send when the target channel is no longer
// registered, typically because the agent disconnected mid-request.
var ErrChannelGone = errors.New("channel gone")

// Sender delivers raw frames to agent channels. the dispatcher depends on
// this interface so tests can capture outbound traffic.
type Sender interface {
	Send(ctx context.Context, channelID string, data []byte) error
	Disconnect(channelID string) error
}

// AgentChannel wraps one live agent websocket on the relay side.
type AgentChannel struct {
	id          string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	idleTimeout time.Duration
	log         *slog.Logger
}

// NewAgentChannel wraps a freshly upgraded websocket connection.
func NewAgentChannel(id string, conn *websocket.Conn, idleTimeout time.Duration, log *slog.Logger) *AgentChannel {
	return &AgentChannel{
		id:          id,
		conn:        conn,
		done:        make(chan struct{}),
		idleTimeout: idleTimeout,
		log:         log.With("channel_id", id),
	}
}

// ID returns the channel identifier.
func (c *AgentChannel) ID() string {
	return c.id
}

// Done returns a channel that is closed when the agent channel shuts down.
func (c *AgentChannel) Done() <-chan struct{} {
	return c.done
}

// WriteText sends a text frame, serialising concurrent writers.
func (c *AgentChannel) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadText reads the next text frame. the read deadline enforces the idle
// timeout; agent heartbeats refresh it.
func (c *AgentChannel) ReadText() ([]byte, error) {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, errors.New("unexpected websocket message type")
	}
	return data, nil
}

// Close shuts down the channel.
func (c *AgentChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.log.Info("agent channel closed")
	})
}

// Registry tracks live agent channels by channel id and implements Sender.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*AgentChannel
	log      *slog.Logger
}

// NewRegistry creates an empty channel registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*AgentChannel),
		log:      log.With("component", "registry"),
	}
}

// Add registers a channel, displacing any previous entry with the same id.
func (r *Registry) Add(ch *AgentChannel) {
	r.mu.Lock()
	prev, had := r.channels[ch.id]
	r.channels[ch.id] = ch
	r.mu.Unlock()

	if had && prev != ch {
		prev.Close()
	}
}

// Remove unregisters a channel without closing it. removing an absent id is
// a no-op.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	delete(r.channels, channelID)
	r.mu.Unlock()
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Send delivers a text frame to a channel. Returns ErrChannelGone when the
// channel is not registered.
func (r *Registry) Send(_ context.Context, channelID string, data []byte) error {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return ErrChannelGone
	}
	return ch.WriteText(data)
}

// Disconnect closes and unregisters a channel.
func (r *Registry) Disconnect(channelID string) error {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	delete(r.channels, channelID)
	r.mu.Unlock()
	if !ok {
		return ErrChannelGone
	}
	ch.Close()
	return nil
}

var _ Sender = (*Registry)(nil)
