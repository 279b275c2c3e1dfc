// ABOUTME: Agent token validation: format predicate plus revocation check.
// ABOUTME: Applied once at registration; live connections are not re-validated.

package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Agent token errors.
var (
	ErrBadTokenFormat = errors.New("malformed agent token")
	ErrTokenRevoked   = errors.New("agent token revoked")
	ErrTokenUnknown   = errors.New("agent token not issued")
)

// agentTokenPattern is the shape of every issued agent credential:
// the agt_ prefix followed by at least six token characters.
var agentTokenPattern = regexp.MustCompile(`^agt_[A-Za-z0-9]{6,64}$`)

// TokenStore answers whether a presented token matches an active
// (issued, unrevoked) credential. Implemented by the SQLite store.
type TokenStore interface {
	MatchAgentToken(ctx context.Context, token string) (bool, error)
}

// AgentTokenValidator is the pure predicate applied at agent
// registration. With a nil store only the format is checked, which is
// the open-registration mode for single-machine setups.
type AgentTokenValidator struct {
	store TokenStore
}

// NewAgentTokenValidator creates a validator backed by store.
func NewAgentTokenValidator(store TokenStore) *AgentTokenValidator {
	return &AgentTokenValidator{store: store}
}

// Validate checks format and, when a store is configured, membership
// in the set of active issued tokens.
func (v *AgentTokenValidator) Validate(ctx context.Context, token string) error {
	if !agentTokenPattern.MatchString(token) {
		return ErrBadTokenFormat
	}
	if v.store == nil {
		return nil
	}
	ok, err := v.store.MatchAgentToken(ctx, token)
	if err != nil {
		return fmt.Errorf("checking token: %w", err)
	}
	if !ok {
		return ErrTokenUnknown
	}
	return nil
}
