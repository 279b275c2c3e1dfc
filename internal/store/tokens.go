// ABOUTME: Issued agent token records: create, revoke, and match on presentation.
// ABOUTME: Only a bcrypt hash is stored; the plaintext is shown once at creation.

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AgentToken is one issued agent credential, without its secret.
type AgentToken struct {
	ID        string
	Name      string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// CreateAgentToken mints a fresh agt_ token for the named agent,
// stores its bcrypt hash, and returns the plaintext exactly once.
func (s *SQLiteStore) CreateAgentToken(ctx context.Context, name string) (string, *AgentToken, error) {
	if name == "" {
		return "", nil, fmt.Errorf("token name is required")
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generating token secret: %w", err)
	}
	plaintext := "agt_" + hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing token: %w", err)
	}

	tok := &AgentToken{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_tokens (id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		tok.ID, tok.Name, string(hash), tok.CreatedAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("inserting token: %w", err)
	}

	s.logger.Info("agent token issued", "token_id", tok.ID, "name", name)
	return plaintext, tok, nil
}

// RevokeAgentToken marks a token revoked. Revocation takes effect at
// the next registration; live connections are not torn down here.
func (s *SQLiteStore) RevokeAgentToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("token %s not found or already revoked", id)
	}
	s.logger.Info("agent token revoked", "token_id", id)
	return nil
}

// ListAgentTokens returns all issued tokens, newest first.
func (s *SQLiteStore) ListAgentTokens(ctx context.Context) ([]AgentToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, revoked_at FROM agent_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var out []AgentToken
	for rows.Next() {
		var tok AgentToken
		var revoked sql.NullTime
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.CreatedAt, &revoked); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		if revoked.Valid {
			t := revoked.Time
			tok.RevokedAt = &t
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// MatchAgentToken reports whether the presented plaintext matches any
// active (unrevoked) issued token. Agent populations are small, so
// comparing against each active hash is fine.
func (s *SQLiteStore) MatchAgentToken(ctx context.Context, token string) (bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_hash FROM agent_tokens WHERE revoked_at IS NULL`)
	if err != nil {
		return false, fmt.Errorf("loading active tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return false, fmt.Errorf("scanning token hash: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return true, nil
		}
	}
	return false, rows.Err()
}

// HasActiveTokens reports whether any unrevoked token exists. The hub
// falls back to format-only validation when none have been issued.
func (s *SQLiteStore) HasActiveTokens(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_tokens WHERE revoked_at IS NULL`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting tokens: %w", err)
	}
	return n > 0, nil
}
