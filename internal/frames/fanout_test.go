// ABOUTME: Tests for frame fan-out and reduction.
// ABOUTME: Covers mixed outcomes, all-CSP detection, document order, and lost tabs.

package frames

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// extScript scripts an extension: a frame list plus a per-frame answer.
type extScript struct {
	frames []protocol.Frame
	// answer returns (result, errString) for a frame sub-request.
	answer func(frameID int) (json.RawMessage, string)
	// deaf frames swallow their sub-request and never reply.
	deaf map[int]bool
}

// scriptedExt implements the transport side of a scripted extension.
type scriptedExt struct {
	mu     sync.Mutex
	conn   *browser.Conn
	script extScript
}

func (e *scriptedExt) WriteEnvelope(env *protocol.Envelope) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}

	go func() {
		reply := &protocol.Envelope{ID: env.ID, Type: protocol.TypeResponse}
		switch env.Action {
		case protocol.ActionGetFrames:
			data, _ := json.Marshal(e.script.frames)
			reply.Result = data
		default:
			frameID, _ := env.Payload["frameId"].(int)
			if e.script.deaf[frameID] {
				return
			}
			result, errStr := e.script.answer(frameID)
			reply.Result = result
			reply.Error = errStr
		}
		conn.HandleEnvelope(reply)
	}()
	return nil
}

func (e *scriptedExt) Close() error { return nil }

func scriptedConn(script extScript) *browser.Conn {
	ext := &scriptedExt{script: script}
	conn := browser.NewConn(browser.Firefox, "firefox-ext", ext, testLogger())
	ext.mu.Lock()
	ext.conn = conn
	ext.mu.Unlock()
	return conn
}

const cspError = "csp_restricted: Could not establish connection. Receiving end does not exist."

var threeFrames = []protocol.Frame{
	{FrameID: 4, ParentID: 0, URL: "https://widget.example.com"},
	{FrameID: 0, ParentID: -1, URL: "https://app.example.com"},
	{FrameID: 9, ParentID: 0, URL: "https://ads.example.net"},
}

func TestDispatch_AllOK_FirstInDocumentOrder(t *testing.T) {
	conn := scriptedConn(extScript{
		frames: threeFrames,
		answer: func(frameID int) (json.RawMessage, string) {
			return json.RawMessage(fmt.Sprintf(`{"frame":%d}`, frameID)), ""
		},
	})

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionClick, nil, time.Second)

	require.True(t, resp.Success)
	// Root frame wins even though the frame list arrived unsorted.
	assert.JSONEq(t, `{"frame":0}`, string(resp.Result))
	require.Len(t, resp.Frames, 3)
	assert.Equal(t, 0, resp.Frames[0].FrameID)
	assert.Equal(t, 4, resp.Frames[1].FrameID)
	assert.Equal(t, 9, resp.Frames[2].FrameID)
}

func TestDispatch_MixedOutcomesStillSucceed(t *testing.T) {
	conn := scriptedConn(extScript{
		frames: threeFrames,
		answer: func(frameID int) (json.RawMessage, string) {
			switch frameID {
			case 0:
				return nil, cspError
			case 4:
				return json.RawMessage(`{"frame":4}`), ""
			default:
				return nil, "internal: frame crashed"
			}
		},
	})

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionGetText, nil, time.Second)

	require.True(t, resp.Success)
	assert.JSONEq(t, `{"frame":4}`, string(resp.Result))
	assert.Equal(t, protocol.FrameCSPRestricted, resp.Frames[0].Outcome)
	assert.Equal(t, protocol.FrameOK, resp.Frames[1].Outcome)
	assert.Equal(t, protocol.FrameFailed, resp.Frames[2].Outcome)
}

func TestDispatch_DeafFrameTimesOutAloneAndAggregateSucceeds(t *testing.T) {
	conn := scriptedConn(extScript{
		frames: threeFrames,
		answer: func(frameID int) (json.RawMessage, string) {
			return json.RawMessage(fmt.Sprintf(`{"frame":%d}`, frameID)), ""
		},
		deaf: map[int]bool{9: true},
	})

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionClick, nil, 50*time.Millisecond)

	// The answering root frame carries the aggregate; the silent frame
	// settles as a per-frame timeout instead of holding everything up.
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"frame":0}`, string(resp.Result))
	require.Len(t, resp.Frames, 3)
	assert.Equal(t, protocol.FrameOK, resp.Frames[0].Outcome)
	assert.Equal(t, protocol.FrameOK, resp.Frames[1].Outcome)
	assert.Equal(t, protocol.FrameFailed, resp.Frames[2].Outcome)
	assert.Contains(t, resp.Frames[2].Error, string(protocol.CodeTimeout))
}

func TestDispatch_AllCSP_DistinguishedError(t *testing.T) {
	conn := scriptedConn(extScript{
		frames: threeFrames,
		answer: func(int) (json.RawMessage, string) { return nil, cspError },
	})

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionClick, nil, time.Second)

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeCSPRestricted, resp.Error.Code)
	// The explanation names the page, not a bare code.
	assert.Contains(t, resp.Error.Message, "app.example.com")
	assert.Contains(t, resp.Error.Message, "Content Security Policy")
}

func TestDispatch_AllFailed_NotCSP(t *testing.T) {
	conn := scriptedConn(extScript{
		frames: threeFrames,
		answer: func(int) (json.RawMessage, string) { return nil, "internal: no such selector" },
	})

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionFill, nil, time.Second)

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.NotEqual(t, protocol.CodeCSPRestricted, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "no such selector")
}

func TestDispatch_InspectCollectsAllFrames(t *testing.T) {
	conn := scriptedConn(extScript{
		frames: threeFrames,
		answer: func(frameID int) (json.RawMessage, string) {
			if frameID == 9 {
				return nil, cspError
			}
			return json.RawMessage(fmt.Sprintf(`{"frame":%d}`, frameID)), ""
		},
	})

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionInspect, nil, time.Second)

	require.True(t, resp.Success)

	// Inspect-style actions return the whole per-frame array.
	var collected []protocol.FrameResult
	require.NoError(t, json.Unmarshal(resp.Result, &collected))
	require.Len(t, collected, 3)
	assert.Equal(t, protocol.FrameCSPRestricted, collected[2].Outcome)
}

func TestDispatch_NoFrames(t *testing.T) {
	conn := scriptedConn(extScript{
		frames: []protocol.Frame{},
		answer: func(int) (json.RawMessage, string) { return nil, "" },
	})

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionClick, nil, time.Second)

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTabNotFound, resp.Error.Code)
}

func TestDispatch_FrameListFailure(t *testing.T) {
	conn := scriptedConn(extScript{frames: nil, answer: nil})
	conn.Fail(protocol.NewError(protocol.CodeConnectionLost, "socket closed"))

	f := NewFanout(testLogger())
	resp := f.Dispatch(context.Background(), conn, 1, protocol.ActionClick, nil, time.Second)

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeNoConnection, resp.Error.Code)
}
