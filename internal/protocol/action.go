// ABOUTME: Closed set of automation actions accepted by the command router.
// ABOUTME: Adding an action is a compile-checked change, not a string fallthrough.

package protocol

import "fmt"

// Action names one automation command. The set is closed: the router
// matches exhaustively and anything outside it is rejected with
// CodeUnknownAction before a single hop is crossed.
type Action string

const (
	ActionClick       Action = "click"
	ActionFill        Action = "fill"
	ActionNavigate    Action = "navigate"
	ActionInspect     Action = "inspect"
	ActionGetText     Action = "getText"
	ActionGetPageInfo Action = "getPageInfo"
	ActionGetTabs     Action = "getTabs"
	ActionGetFrames   Action = "getFrames"
	ActionScreenshot  Action = "screenshot"
	ActionExecute     Action = "execute"
)

// Actions lists every supported action in a stable order.
func Actions() []Action {
	return []Action{
		ActionClick,
		ActionFill,
		ActionNavigate,
		ActionInspect,
		ActionGetText,
		ActionGetPageInfo,
		ActionGetTabs,
		ActionGetFrames,
		ActionScreenshot,
		ActionExecute,
	}
}

// ParseAction validates a wire string against the closed action set.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionClick, ActionFill, ActionNavigate, ActionInspect,
		ActionGetText, ActionGetPageInfo, ActionGetTabs,
		ActionGetFrames, ActionScreenshot, ActionExecute:
		return Action(s), nil
	}
	return "", NewError(CodeUnknownAction, fmt.Sprintf("unknown action %q", s))
}

// CollectsAllFrames reports whether the aggregate should carry every
// frame's result rather than the first success in document order.
// Inspect-style actions return per-frame arrays; interaction actions
// return the first frame that succeeded.
func (a Action) CollectsAllFrames() bool {
	switch a {
	case ActionInspect, ActionGetPageInfo:
		return true
	default:
		return false
	}
}
