// ABOUTME: Attaches an upgraded extension WebSocket to a registry.
// ABOUTME: Handshake plus read loop; shared by the hub and the agent bridge.

package browser

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/screencontrol/gateway/internal/protocol"
	"github.com/screencontrol/gateway/internal/wsutil"
)

// handshakeTimeout bounds the registration handshake. A socket that
// never sends its register envelope is dropped.
const handshakeTimeout = 10 * time.Second

// Attach runs the registration handshake on an upgraded extension
// socket, registers the connection, and services its read loop until
// the socket dies. It blocks for the life of the connection.
func Attach(reg *Registry, ws *websocket.Conn, logger *slog.Logger) {
	sock := wsutil.NewSocket(ws)

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	env, err := sock.ReadEnvelope()
	if err != nil {
		logger.Warn("browser handshake failed", "error", err)
		_ = sock.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	if env.Type != protocol.TypeRegister {
		rejectSocket(sock, env.ID, protocol.Errorf(protocol.CodeAuth, "expected register envelope, got %s", env.Type))
		return
	}

	t, err := ParseType(env.Browser)
	if err != nil {
		rejectSocket(sock, env.ID, err)
		return
	}

	conn := NewConn(t, env.Name, sock, logger)
	if err := sock.WriteEnvelope(&protocol.Envelope{
		ID:   env.ID,
		Type: protocol.TypeRegistered,
	}); err != nil {
		_ = sock.Close()
		return
	}
	reg.Register(conn)

	for {
		msg, err := sock.ReadEnvelope()
		if err != nil {
			reg.Unregister(conn)
			return
		}
		conn.HandleEnvelope(msg)
	}
}

// rejectSocket sends a terminal error envelope and closes the socket.
func rejectSocket(sock *wsutil.Socket, id string, err error) {
	_ = sock.WriteEnvelope(&protocol.Envelope{
		ID:    id,
		Type:  protocol.TypeError,
		Error: err.Error(),
	})
	_ = sock.Close()
}
