// ABOUTME: Tests for agent registration, dispatch routing, and heartbeat demotion.
// ABOUTME: Uses scripted transports so no real sockets are needed.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screencontrol/gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTransport answers each written envelope through respond,
// delivering replies back on the connection's read path. A nil
// respond swallows writes, simulating a deaf agent.
type scriptedTransport struct {
	mu      sync.Mutex
	written []*protocol.Envelope
	closed  bool
	respond func(env *protocol.Envelope)
}

func (t *scriptedTransport) WriteEnvelope(env *protocol.Envelope) error {
	t.mu.Lock()
	t.written = append(t.written, env)
	respond := t.respond
	t.mu.Unlock()
	if respond != nil {
		go respond(env)
	}
	return nil
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *scriptedTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func registerEnvelope(name string) *protocol.Envelope {
	return &protocol.Envelope{
		ID:    "reg-1",
		Type:  protocol.TypeRegister,
		Agent: name,
		Token: "agt_abc123",
		OS:    "darwin",
		Arch:  "arm64",
	}
}

// echoAgent answers every request with a canned result and every ping
// with a pong.
func echoAgent(conn **Connection, result string) func(env *protocol.Envelope) {
	return func(env *protocol.Envelope) {
		switch env.Type {
		case protocol.TypePing:
			(*conn).HandleEnvelope(&protocol.Envelope{ID: env.ID, Type: protocol.TypePong})
		case protocol.TypeRequest:
			(*conn).HandleEnvelope(&protocol.Envelope{
				ID:     env.ID,
				Type:   protocol.TypeResponse,
				Result: json.RawMessage(result),
			})
		}
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(ctx context.Context, token string) error {
	return errors.New("token revoked")
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(nil, time.Second, time.Second, testLogger())

	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), &scriptedTransport{})
	require.NoError(t, err)
	require.NotNil(t, conn)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "laptop", conn.Name)
	assert.Equal(t, "darwin", conn.OS)
	assert.Equal(t, "arm64", conn.Arch)
	assert.Equal(t, protocol.StateLive, conn.State())
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Register_InvalidToken(t *testing.T) {
	reg := NewRegistry(rejectAllValidator{}, time.Second, time.Second, testLogger())

	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), &scriptedTransport{})
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, protocol.CodeAuth, protocol.CodeOf(err))
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_Unregister_RejectsPending(t *testing.T) {
	reg := NewRegistry(nil, time.Second, time.Second, testLogger())
	transport := &scriptedTransport{}

	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), transport)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, sendErr := conn.Send(context.Background(), protocol.ActionScreenshot, nil, time.Minute)
		errCh <- sendErr
	}()
	require.Eventually(t, func() bool { return conn.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	reg.Unregister(conn.ID)

	select {
	case sendErr := <-errCh:
		assert.Equal(t, protocol.CodeConnectionLost, protocol.CodeOf(sendErr))
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected on unregister")
	}

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, protocol.StateClosed, conn.State())
	assert.True(t, transport.isClosed())
}

func TestRegistry_Unregister_UnknownID(t *testing.T) {
	reg := NewRegistry(nil, time.Second, time.Second, testLogger())
	reg.Unregister("nope") // must not panic
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_Dispatch_ByIDAndByName(t *testing.T) {
	reg := NewRegistry(nil, time.Second, time.Second, testLogger())

	var conn *Connection
	transport := &scriptedTransport{respond: echoAgent(&conn, `{"ok":true}`)}
	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), transport)
	require.NoError(t, err)

	result, err := reg.Dispatch(context.Background(), conn.ID, protocol.ActionScreenshot, nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	result, err = reg.Dispatch(context.Background(), "laptop", protocol.ActionScreenshot, nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestRegistry_Dispatch_UnknownAgent(t *testing.T) {
	reg := NewRegistry(nil, time.Second, time.Second, testLogger())

	_, err := reg.Dispatch(context.Background(), "ghost", protocol.ActionScreenshot, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNoConnection, protocol.CodeOf(err))
}

func TestConnection_Send_RefusedWhenStale(t *testing.T) {
	conn := NewConnection("a1", registerEnvelope("laptop"), &scriptedTransport{}, testLogger())
	conn.markStale()

	_, err := conn.Send(context.Background(), protocol.ActionScreenshot, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAgentUnavailable, protocol.CodeOf(err))
}

func TestHeartbeat_MissesDemoteThenClose(t *testing.T) {
	reg := NewRegistry(nil, 20*time.Millisecond, 20*time.Millisecond, testLogger())

	// Deaf transport: pings are written but never answered.
	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), &scriptedTransport{})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < missesUntilStale; i++ {
		reg.pingOne(ctx, conn)
	}
	assert.Equal(t, protocol.StateStale, conn.State())
	assert.Equal(t, 1, reg.Count())

	for i := missesUntilStale; i < missesUntilClosed; i++ {
		reg.pingOne(ctx, conn)
	}
	assert.Equal(t, protocol.StateClosed, conn.State())
	assert.Equal(t, 0, reg.Count())
}

func TestHeartbeat_PingTimeoutIndependentOfInterval(t *testing.T) {
	// A long beat interval must not stretch the per-ping deadline.
	reg := NewRegistry(nil, time.Hour, 20*time.Millisecond, testLogger())

	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), &scriptedTransport{})
	require.NoError(t, err)

	start := time.Now()
	reg.pingOne(context.Background(), conn)
	assert.Less(t, time.Since(start), time.Second)
	conn.mu.Lock()
	assert.Equal(t, 1, conn.missedPings)
	conn.mu.Unlock()
}

func TestHeartbeat_PongRecoversStale(t *testing.T) {
	reg := NewRegistry(nil, time.Second, time.Second, testLogger())

	var conn *Connection
	transport := &scriptedTransport{}
	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), transport)
	require.NoError(t, err)

	// Miss twice against the deaf transport, then start answering.
	ctx := context.Background()
	deafReg := NewRegistry(nil, 20*time.Millisecond, 20*time.Millisecond, testLogger())
	for i := 0; i < missesUntilStale; i++ {
		deafReg.pingOne(ctx, conn)
	}
	require.Equal(t, protocol.StateStale, conn.State())

	transport.mu.Lock()
	transport.respond = echoAgent(&conn, `{}`)
	transport.mu.Unlock()

	before := conn.LastHeartbeatAt()
	reg.pingOne(ctx, conn)
	assert.Equal(t, protocol.StateLive, conn.State())
	assert.True(t, conn.LastHeartbeatAt().After(before) || conn.LastHeartbeatAt().Equal(before))
}

func TestHeartbeat_SkipsClosedConnections(t *testing.T) {
	reg := NewRegistry(nil, 20*time.Millisecond, 20*time.Millisecond, testLogger())
	transport := &scriptedTransport{}

	conn, err := reg.Register(context.Background(), registerEnvelope("laptop"), transport)
	require.NoError(t, err)
	conn.Fail(protocol.NewError(protocol.CodeConnectionLost, "gone"))

	writesBefore := len(transport.written)
	reg.pingOne(context.Background(), conn)
	assert.Equal(t, writesBefore, len(transport.written))
}

func TestRegistry_List_SortedByName(t *testing.T) {
	reg := NewRegistry(nil, time.Second, time.Second, testLogger())

	for _, name := range []string{"zulu", "alpha", "mike"} {
		_, err := reg.Register(context.Background(), registerEnvelope(name), &scriptedTransport{})
		require.NoError(t, err)
	}

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mike", list[1].Name)
	assert.Equal(t, "zulu", list[2].Name)
	for _, s := range list {
		assert.Equal(t, protocol.StateLive, s.State)
		assert.NotEmpty(t, s.ID)
	}
}
