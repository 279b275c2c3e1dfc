// ABOUTME: Minimal fake browser extension for E2E testing — connects over WebSocket, answers with canned pages.
// ABOUTME: Usage: fake-extension [-url ws://localhost:8765/ws] [-browser firefox]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/screencontrol/gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8765/ws", "bridge or gateway WebSocket URL")
	browser := flag.String("browser", "firefox", "browser family to register as")
	name := flag.String("name", "fake-extension", "extension display name")
	flag.Parse()

	if err := run(*url, *browser, *name); err != nil {
		log.Fatal(err)
	}
}

func run(url, browser, name string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()
	context.AfterFunc(ctx, func() { ws.Close() })

	regID := uuid.New().String()
	if err := write(ws, &protocol.Envelope{
		ID:      regID,
		Type:    protocol.TypeRegister,
		Browser: browser,
		Name:    name,
	}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	ack, err := read(ws)
	if err != nil {
		return fmt.Errorf("failed to receive ack: %w", err)
	}
	switch ack.Type {
	case protocol.TypeRegistered:
		fmt.Fprintf(os.Stderr, "registered as %s\n", browser)
	case protocol.TypeError:
		return fmt.Errorf("registration refused: %s", ack.Error)
	default:
		return fmt.Errorf("expected registered, got %s", ack.Type)
	}

	// Serve requests until the socket dies or we are interrupted.
	for {
		env, err := read(ws)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		reply := answer(env)
		if reply == nil {
			continue
		}
		if err := write(ws, reply); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
	}
}

// Canned single-tab, two-frame page. The child frame refuses content
// scripts the way a CSP-locked embed does.
var (
	tabs = []protocol.Tab{
		{ID: 1, URL: "https://app.example.com/dashboard", Title: "Dashboard", Active: true},
	}
	frames = []protocol.Frame{
		{FrameID: 0, URL: "https://app.example.com/dashboard"},
		{FrameID: 5, ParentID: 0, URL: "https://embed.example.com/widget"},
	}
)

func answer(env *protocol.Envelope) *protocol.Envelope {
	switch env.Type {
	case protocol.TypePing:
		return &protocol.Envelope{ID: env.ID, Type: protocol.TypePong}

	case protocol.TypeRequest:
		reply := &protocol.Envelope{ID: env.ID, Type: protocol.TypeResponse}
		switch env.Action {
		case protocol.ActionGetTabs:
			reply.Result, _ = json.Marshal(tabs)
		case protocol.ActionGetFrames:
			reply.Result, _ = json.Marshal(frames)
		case protocol.ActionScreenshot:
			reply.Result, _ = json.Marshal(map[string]string{"data": "iVBORw0KGgo="})
		default:
			if frameID, ok := frameIDOf(env.Payload); ok && frameID != 0 {
				reply.Error = "csp_restricted: Could not establish connection. Receiving end does not exist."
				break
			}
			reply.Result, _ = json.Marshal(map[string]any{
				"action": env.Action,
				"echo":   env.Payload,
			})
		}
		fmt.Fprintf(os.Stderr, "answered %s (%s)\n", env.Action, shortID(env.ID))
		return reply

	default:
		fmt.Fprintf(os.Stderr, "ignoring %s envelope\n", env.Type)
		return nil
	}
}

func frameIDOf(payload map[string]any) (int, bool) {
	v, ok := payload["frameId"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func write(ws *websocket.Conn, env *protocol.Envelope) error {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func read(ws *websocket.Conn) (*protocol.Envelope, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(data)
}
