// ABOUTME: WebSocket endpoints where agents and browser extensions attach.
// ABOUTME: Owns the registration handshake and the per-connection read loop.

package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/protocol"
	"github.com/screencontrol/gateway/internal/wsutil"
)

// registerTimeout bounds the registration handshake. A socket that
// never sends its register envelope is dropped.
const registerTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Extensions and agents connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAgentSocket handles /ws/agent connections from screen-agents.
// The first envelope must be a register carrying the agent token; after
// a successful handshake the socket only carries correlated responses
// and pongs back up to the registry.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	sock := wsutil.NewSocket(ws)

	env, err := readRegister(ws, sock)
	if err != nil {
		g.logger.Warn("agent registration handshake failed", "error", err)
		_ = sock.Close()
		return
	}
	if env.Agent == "" {
		g.rejectSocket(sock, env.ID, protocol.NewError(protocol.CodeAuth, "register envelope missing agent name"))
		return
	}

	conn, err := g.agents.Register(r.Context(), env, sock)
	if err != nil {
		g.rejectSocket(sock, env.ID, err)
		return
	}

	if err := sock.WriteEnvelope(&protocol.Envelope{
		ID:    env.ID,
		Type:  protocol.TypeRegistered,
		Agent: conn.ID,
	}); err != nil {
		g.agents.Unregister(conn.ID)
		return
	}

	for {
		msg, err := sock.ReadEnvelope()
		if err != nil {
			g.agents.Unregister(conn.ID)
			return
		}
		conn.HandleEnvelope(msg)
	}
}

// handleBrowserSocket handles /ws/browser connections from extensions
// attached directly to the hub. Single-box deployments skip the agent
// hop entirely and register the extension here.
func (g *Gateway) handleBrowserSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("browser websocket upgrade failed", "error", err)
		return
	}
	browser.Attach(g.browsers, ws, g.logger.With("component", "browser-socket"))
}

// readRegister reads the handshake envelope under registerTimeout.
func readRegister(ws *websocket.Conn, sock *wsutil.Socket) (*protocol.Envelope, error) {
	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	env, err := sock.ReadEnvelope()
	if err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	if env.Type != protocol.TypeRegister {
		return nil, protocol.Errorf(protocol.CodeAuth, "expected register envelope, got %s", env.Type)
	}
	return env, nil
}

// rejectSocket sends a terminal error envelope and closes the socket.
func (g *Gateway) rejectSocket(sock *wsutil.Socket, id string, err error) {
	_ = sock.WriteEnvelope(&protocol.Envelope{
		ID:    id,
		Type:  protocol.TypeError,
		Error: err.Error(),
	})
	_ = sock.Close()
}
