// ABOUTME: Tests for JWT verification, agent token validation, and HTTP middleware.
// ABOUTME: Uses in-memory token stores; no database required.

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := verifier.Generate("admin", time.Hour)
	require.NoError(t, err)

	subject, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	require.Error(t, err)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := verifier.Generate("admin", -time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	signer, err := NewJWTVerifier([]byte("secret-a"))
	require.NoError(t, err)
	verifier, err := NewJWTVerifier([]byte("secret-b"))
	require.NoError(t, err)

	token, err := signer.Generate("admin", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_Garbage(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	_, err = verifier.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// fakeTokenStore scripts membership answers for issued agent tokens.
type fakeTokenStore struct {
	active map[string]bool
	err    error
}

func (s *fakeTokenStore) MatchAgentToken(ctx context.Context, token string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.active[token], nil
}

func TestAgentTokenValidator_Format(t *testing.T) {
	v := NewAgentTokenValidator(nil)

	tests := []struct {
		name  string
		token string
		valid bool
	}{
		{"typical", "agt_abc123", true},
		{"long", "agt_" + "a1B2c3D4e5F6g7H8a1B2c3D4e5F6g7H8", true},
		{"empty", "", false},
		{"no prefix", "abc123def", false},
		{"too short", "agt_abc", false},
		{"bad characters", "agt_abc-123!", false},
		{"prefix only", "agt_", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(context.Background(), tt.token)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBadTokenFormat)
			}
		})
	}
}

func TestAgentTokenValidator_StoreMembership(t *testing.T) {
	store := &fakeTokenStore{active: map[string]bool{"agt_issued": true}}
	v := NewAgentTokenValidator(store)

	assert.NoError(t, v.Validate(context.Background(), "agt_issued"))
	assert.ErrorIs(t, v.Validate(context.Background(), "agt_revoked"), ErrTokenUnknown)
}

func TestAgentTokenValidator_StoreError(t *testing.T) {
	store := &fakeTokenStore{err: errors.New("database locked")}
	v := NewAgentTokenValidator(store)

	err := v.Validate(context.Background(), "agt_issued")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenUnknown)
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	var gotSubject string
	handler := HTTPAuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token, err := verifier.Generate("ops", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc123", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer garbage", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ops", gotSubject)
			}
		})
	}
}
