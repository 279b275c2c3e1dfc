// ABOUTME: Typed error taxonomy for the command pipeline.
// ABOUTME: Connection-level failures are mapped to codes at registry boundaries.

package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a command failure. Codes cross process boundaries on
// the wire, so callers can distinguish "page blocks automation" from
// "selector not found" from "agent went away".
type Code string

const (
	CodeAuth               Code = "auth_error"
	CodeConnectionLost     Code = "connection_lost"
	CodeConnectionReplaced Code = "connection_replaced"
	CodeTimeout            Code = "timeout"
	CodeAmbiguousTarget    Code = "ambiguous_target"
	CodeTabNotFound        Code = "tab_not_found"
	CodeCSPRestricted      Code = "csp_restricted"
	CodeAgentUnavailable   Code = "agent_unavailable"
	CodeUnknownAction      Code = "unknown_action"
	CodeNoConnection       Code = "no_connection"
	CodeCancelled          Code = "cancelled"
	CodeInternal           Code = "internal"
)

// Error is a classified command failure. All errors surfaced by the
// registries, router and fan-out carry a Code; generic errors never
// leak past a registry boundary.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a classified error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a classified error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the classification from an error chain. Errors that
// were never classified report CodeInternal.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// WireError reconstructs a classified error from its wire form
// ("code: message"). Unrecognized strings come back as CodeInternal.
func WireError(s string) *Error {
	code, msg, ok := strings.Cut(s, ": ")
	if ok {
		switch Code(code) {
		case CodeAuth, CodeConnectionLost, CodeConnectionReplaced,
			CodeTimeout, CodeAmbiguousTarget, CodeTabNotFound,
			CodeCSPRestricted, CodeAgentUnavailable,
			CodeUnknownAction, CodeNoConnection, CodeCancelled,
			CodeInternal:
			return &Error{Code: Code(code), Message: msg}
		}
	}
	return &Error{Code: CodeInternal, Message: s}
}

// cspSignature is the exact failure surfaced by extension messaging
// when a content script never ran in a frame, which is how a page's
// Content Security Policy blocking injection presents itself.
const cspSignature = "receiving end does not exist"

// IsCSPSignature reports whether an error message carries the
// connection-refused signature of a CSP-restricted frame.
func IsCSPSignature(msg string) bool {
	return strings.Contains(strings.ToLower(msg), cspSignature)
}
