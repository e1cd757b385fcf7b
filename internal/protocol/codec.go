package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec handles reading and writing message envelopes over a websocket
// connection. all frames are UTF-8 JSON text messages.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with envelope encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteMessage serialises and sends an envelope over the websocket.
func (c *Codec) WriteMessage(m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage reads and deserialises an envelope from the websocket.
func (c *Codec) ReadMessage() (*Message, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", ErrInvalidMessage, msgType)
	}
	return Decode(data)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
