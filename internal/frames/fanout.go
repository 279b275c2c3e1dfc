// ABOUTME: Fans one tab-bound command out to every frame and reduces the outcomes.
// ABOUTME: Frame readiness is non-deterministic, so each frame settles independently.

package frames

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/screencontrol/gateway/internal/browser"
	"github.com/screencontrol/gateway/internal/protocol"
)

// Fanout dispatches a command to every frame of a tab concurrently and
// aggregates the per-frame outcomes into one response.
type Fanout struct {
	logger *slog.Logger
}

// NewFanout creates a Fanout.
func NewFanout(logger *slog.Logger) *Fanout {
	return &Fanout{logger: logger}
}

// Dispatch enumerates the live frames of tabID, issues one correlated
// sub-command per frame, waits for all of them to settle under
// perFrameTimeout, and reduces the results. A frame still pending at
// the deadline is recorded as Failed(timeout) rather than holding the
// whole aggregate hostage.
func (f *Fanout) Dispatch(ctx context.Context, conn *browser.Conn, tabID int, action protocol.Action, payload map[string]any, perFrameTimeout time.Duration) *protocol.AggregateResponse {
	frames, err := f.listFrames(ctx, conn, tabID, perFrameTimeout)
	if err != nil {
		return failedAggregate(err)
	}
	if len(frames) == 0 {
		// Extensions always report at least the root document; an
		// empty list means the tab vanished between lookup and here.
		return failedAggregate(protocol.Errorf(protocol.CodeTabNotFound, "tab %d has no frames", tabID))
	}

	// Document order: root frame first, then children by id.
	sort.Slice(frames, func(i, j int) bool { return frames[i].FrameID < frames[j].FrameID })

	results := make([]protocol.FrameResult, len(frames))
	var wg sync.WaitGroup
	for i, frame := range frames {
		wg.Add(1)
		go func(i int, frame protocol.Frame) {
			defer wg.Done()
			results[i] = f.dispatchFrame(ctx, conn, tabID, frame, action, payload, perFrameTimeout)
		}(i, frame)
	}
	wg.Wait()

	return f.reduce(action, results)
}

// dispatchFrame sends the command to one frame and classifies the outcome.
func (f *Fanout) dispatchFrame(ctx context.Context, conn *browser.Conn, tabID int, frame protocol.Frame, action protocol.Action, payload map[string]any, timeout time.Duration) protocol.FrameResult {
	framePayload := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		framePayload[k] = v
	}
	framePayload["tabId"] = tabID
	framePayload["frameId"] = frame.FrameID

	value, err := conn.Send(ctx, action, framePayload, timeout)
	if err == nil {
		return protocol.FrameResult{
			FrameID: frame.FrameID,
			URL:     frame.URL,
			Outcome: protocol.FrameOK,
			Value:   value,
		}
	}

	if protocol.IsCSPSignature(err.Error()) {
		f.logger.Debug("frame refused injection",
			"tab_id", tabID,
			"frame_id", frame.FrameID,
			"url", frame.URL,
		)
		return protocol.FrameResult{
			FrameID: frame.FrameID,
			URL:     frame.URL,
			Outcome: protocol.FrameCSPRestricted,
			Error:   err.Error(),
		}
	}

	return protocol.FrameResult{
		FrameID: frame.FrameID,
		URL:     frame.URL,
		Outcome: protocol.FrameFailed,
		Error:   err.Error(),
	}
}

// reduce folds the settled frame results into the aggregate. The
// aggregate succeeds when at least one frame returned Ok; the result
// is the first Ok in document order, or every frame's value for
// inspect-style actions. An all-CSP outcome gets its own code and a
// human-readable explanation so callers can tell "this page blocks
// automation" apart from "not found".
func (f *Fanout) reduce(action protocol.Action, results []protocol.FrameResult) *protocol.AggregateResponse {
	agg := &protocol.AggregateResponse{Frames: results}

	okCount, cspCount := 0, 0
	var firstOK *protocol.FrameResult
	for i := range results {
		switch results[i].Outcome {
		case protocol.FrameOK:
			okCount++
			if firstOK == nil {
				firstOK = &results[i]
			}
		case protocol.FrameCSPRestricted:
			cspCount++
		}
	}

	if okCount > 0 {
		agg.Success = true
		if action.CollectsAllFrames() {
			raw, err := json.Marshal(results)
			if err == nil {
				agg.Result = raw
			}
		} else {
			agg.Result = firstOK.Value
		}
		return agg
	}

	if cspCount == len(results) {
		agg.Error = protocol.NewError(protocol.CodeCSPRestricted, cspExplanation(results))
		return agg
	}

	agg.Error = protocol.Errorf(protocol.CodeInternal, "all %d frames failed: %s", len(results), firstError(results))
	return agg
}

// listFrames fetches the live frame list for a tab.
func (f *Fanout) listFrames(ctx context.Context, conn *browser.Conn, tabID int, timeout time.Duration) ([]protocol.Frame, error) {
	raw, err := conn.Send(ctx, protocol.ActionGetFrames, map[string]any{"tabId": tabID}, timeout)
	if err != nil {
		return nil, err
	}
	var frames []protocol.Frame
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "decoding frame list: %v", err)
	}
	return frames, nil
}

// cspExplanation builds the user-facing message for a page whose
// frames all refused injection, naming the restricted host.
func cspExplanation(results []protocol.FrameResult) string {
	host := ""
	for _, r := range results {
		if h := hostOf(r.URL); h != "" {
			host = h
			break
		}
	}
	if host == "" {
		return fmt.Sprintf("all %d frames blocked script injection (Content Security Policy); this page cannot be automated", len(results))
	}
	return fmt.Sprintf("all %d frames on %s blocked script injection (Content Security Policy); this page cannot be automated", len(results), host)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func firstError(results []protocol.FrameResult) string {
	for _, r := range results {
		if r.Error != "" {
			return r.Error
		}
	}
	return "no frame produced a result"
}

// failedAggregate wraps a pre-fanout failure into the aggregate shape.
func failedAggregate(err error) *protocol.AggregateResponse {
	var pe *protocol.Error
	if e, ok := err.(*protocol.Error); ok {
		pe = e
	} else {
		pe = protocol.NewError(protocol.CodeInternal, err.Error())
	}
	return &protocol.AggregateResponse{Success: false, Error: pe}
}
