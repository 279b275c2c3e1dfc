// ABOUTME: Thin wrapper around a gorilla WebSocket connection.
// ABOUTME: Serializes writes and decodes inbound frames into envelopes.

package wsutil

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/screencontrol/gateway/internal/protocol"
)

// ErrSocketClosed indicates a write after Close.
var ErrSocketClosed = errors.New("socket closed")

// Socket wraps one WebSocket with a write mutex. gorilla permits a
// single concurrent writer; every hop funnels through WriteEnvelope.
type Socket struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewSocket wraps an established WebSocket connection.
func NewSocket(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn}
}

// WriteEnvelope sends one envelope as a JSON text frame.
func (s *Socket) WriteEnvelope(env *protocol.Envelope) error {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadEnvelope blocks for the next inbound envelope. Only one reader
// may call this; it belongs to the connection's read loop.
func (s *Socket) ReadEnvelope() (*protocol.Envelope, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(data)
}

// Close shuts the underlying connection. Safe to call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
