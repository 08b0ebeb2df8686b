// ABOUTME: Tests for the OAuth service against a temporary SQLite store
// ABOUTME: Covers registration rules, code redemption order, PKCE, refresh rotation and token validation

package oauth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/store"
)

const (
	testVerifier  = "dBjftJeZ4CVP-mJ92IZ1gYd2qEYSqPuzwtbrwTLS8Wq"
	testChallenge = "4CxvL0N4VWo9WLE-nVu-H0SmSOH70xB-oGOJvRDbPJA"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "oauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s := newTestStore(t)
	return NewService(s, nil), s
}

func registerTestClient(t *testing.T, svc *Service) *RegistrationResponse {
	t.Helper()
	resp, err := svc.RegisterClient(context.Background(), nil, RegistrationRequest{
		ClientName:   "Claude",
		RedirectURIs: []string{"https://claude.ai/callback"},
	})
	require.NoError(t, err)
	return resp
}

func TestRegisterClient(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp := registerTestClient(t, svc)
	assert.True(t, strings.HasPrefix(resp.ClientID, ClientIDPrefix))
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Equal(t, int64(0), resp.ClientSecretExpiresAt)
	assert.NotZero(t, resp.ClientIDIssuedAt)

	client, err := svc.GetClient(ctx, resp.ClientID)
	require.NoError(t, err)
	assert.NotEqual(t, resp.ClientSecret, client.SecretHash, "secret must only be stored hashed")

	_, err = svc.VerifyClientCredentials(ctx, resp.ClientID, resp.ClientSecret)
	require.NoError(t, err)

	_, err = svc.VerifyClientCredentials(ctx, resp.ClientID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidClient)

	_, err = svc.VerifyClientCredentials(ctx, "mcp_nope", resp.ClientSecret)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestRegisterClient_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		req  RegistrationRequest
		ok   bool
	}{
		{"https", RegistrationRequest{ClientName: "a", RedirectURIs: []string{"https://x.example/cb"}}, true},
		{"loopback http", RegistrationRequest{ClientName: "a", RedirectURIs: []string{"http://127.0.0.1:3000/cb"}}, true},
		{"custom scheme", RegistrationRequest{ClientName: "a", RedirectURIs: []string{"com.example.app+1://cb"}}, true},
		{"empty name", RegistrationRequest{ClientName: "  ", RedirectURIs: []string{"https://x.example/cb"}}, false},
		{"no redirects", RegistrationRequest{ClientName: "a"}, false},
		{"empty redirect", RegistrationRequest{ClientName: "a", RedirectURIs: []string{""}}, false},
		{"javascript", RegistrationRequest{ClientName: "a", RedirectURIs: []string{"javascript:alert(1)"}}, false},
		{"data", RegistrationRequest{ClientName: "a", RedirectURIs: []string{"data:text/html,hi"}}, false},
		{"relative", RegistrationRequest{ClientName: "a", RedirectURIs: []string{"/callback"}}, false},
		{"bad scheme chars", RegistrationRequest{ClientName: "a", RedirectURIs: []string{"my_app://cb"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterClient(context.Background(), nil, tt.req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidClientMetadata)
			}
		})
	}
}

func TestRegisterClientWithID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.RegisterClientWithID(ctx, "claude-desktop-1234", RegistrationRequest{
		ClientName:   "Auto-registered: claude-d",
		RedirectURIs: []string{"https://claude.ai/callback"},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-desktop-1234", resp.ClientID)

	_, err = svc.RegisterClientWithID(ctx, "", RegistrationRequest{ClientName: "x", RedirectURIs: []string{"https://a/b"}})
	assert.ErrorIs(t, err, ErrInvalidClientMetadata)
}

func TestConsumeAuthorizationCode_CheckOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := CodeRequest{
		ClientID:            "mcp_client",
		UserID:              7,
		RedirectURI:         "https://claude.ai/callback",
		Scope:               "mcp:read",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	}
	code, err := svc.CreateAuthorizationCode(ctx, req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, CodePrefix))

	_, err = svc.ConsumeAuthorizationCode(ctx, "code_unknown", req.ClientID, req.RedirectURI)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = svc.ConsumeAuthorizationCode(ctx, code, "mcp_other", req.RedirectURI)
	assert.ErrorIs(t, err, ErrClientMismatch)

	_, err = svc.ConsumeAuthorizationCode(ctx, code, req.ClientID, "https://evil.example/cb")
	assert.ErrorIs(t, err, ErrRedirectMismatch)

	consumed, err := svc.ConsumeAuthorizationCode(ctx, code, req.ClientID, req.RedirectURI)
	require.NoError(t, err)
	assert.Equal(t, int64(7), consumed.UserID)
	assert.Equal(t, "mcp:read", consumed.Scope)
	assert.Equal(t, testChallenge, consumed.CodeChallenge)
	assert.Equal(t, "S256", consumed.CodeChallengeMethod)

	_, err = svc.ConsumeAuthorizationCode(ctx, code, req.ClientID, req.RedirectURI)
	assert.ErrorIs(t, err, ErrCodeUsed)
}

func TestConsumeAuthorizationCode_Expired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.CreateAuthorizationCode(ctx, CodeRequest{ClientID: "c", UserID: 1, RedirectURI: "https://a/cb", Scope: "mcp:read"})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(CodeTTL + time.Minute) }

	_, err = svc.ConsumeAuthorizationCode(ctx, code, "c", "https://a/cb")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestValidatePKCE(t *testing.T) {
	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		wantErr   bool
	}{
		{"s256", testVerifier, testChallenge, "S256", false},
		{"empty method defaults to s256", testVerifier, testChallenge, "", false},
		{"s256 mismatch", "other-verifier", testChallenge, "S256", true},
		{"plain", "plain-value", "plain-value", "plain", false},
		{"plain mismatch", "plain-value", "other", "plain", true},
		{"unknown method", testVerifier, testChallenge, "S512", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePKCE(tt.verifier, tt.challenge, tt.method)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidVerifier)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAccessToken_Lifecycle(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	token, expires, err := svc.CreateAccessToken(ctx, "mcp_client", 9, "mcp:read")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, AccessTokenPrefix))
	assert.WithinDuration(t, time.Now().Add(AccessTokenTTL), expires, 5*time.Second)

	stored, err := s.GetAccessToken(ctx, HashToken(token))
	require.NoError(t, err)
	assert.Equal(t, int64(9), stored.UserID)

	_, err = s.GetAccessToken(ctx, token)
	assert.ErrorIs(t, err, store.ErrNotFound, "plaintext must never be a lookup key")

	validated, err := svc.ValidateAccessToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "mcp_client", validated.ClientID)
	assert.Equal(t, int64(9), validated.UserID)

	require.Eventually(t, func() bool {
		row, err := s.GetAccessToken(ctx, HashToken(token))
		return err == nil && row.LastUsedAt != nil
	}, 2*time.Second, 20*time.Millisecond)

	_, err = svc.ValidateAccessToken(ctx, "mcp_token_missing")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	svc.now = func() time.Time { return time.Now().Add(AccessTokenTTL + time.Minute) }
	_, err = svc.ValidateAccessToken(ctx, token)
	assert.ErrorIs(t, err, ErrAccessTokenExpired)
}

func TestRefreshToken_Rotation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.CreateRefreshToken(ctx, "mcp_client", 3, "mcp:read")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, RefreshTokenPrefix))

	consumed, err := svc.ConsumeRefreshToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "mcp_client", consumed.ClientID)
	assert.Equal(t, int64(3), consumed.UserID)

	_, err = svc.ConsumeRefreshToken(ctx, token)
	assert.ErrorIs(t, err, ErrRefreshTokenUsed)

	_, err = svc.ConsumeRefreshToken(ctx, "mcp_refresh_unknown")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	expired, err := svc.CreateRefreshToken(ctx, "mcp_client", 3, "mcp:read")
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(RefreshTokenTTL + time.Hour) }
	_, err = svc.ConsumeRefreshToken(ctx, expired)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestCleanupExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAuthorizationCode(ctx, CodeRequest{ClientID: "c", UserID: 1, RedirectURI: "https://a/cb"})
	require.NoError(t, err)
	_, _, err = svc.CreateAccessToken(ctx, "c", 1, "mcp:read")
	require.NoError(t, err)

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	svc.now = func() time.Time { return time.Now().Add(2 * AccessTokenTTL) }
	n, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCanAccessServer(t *testing.T) {
	tests := []struct {
		level store.AccessLevel
		user  int64
		want  bool
	}{
		{"", 2, true},
		{store.AccessPublic, 2, true},
		{store.AccessOrganization, 2, true},
		{store.AccessPrivate, 1, true},
		{store.AccessPrivate, 2, false},
		{store.AccessLevel("bogus"), 1, false},
	}

	for _, tt := range tests {
		tenant := &store.Tenant{OwnerID: 1, AccessLevel: tt.level}
		if got := CanAccessServer(tenant, tt.user); got != tt.want {
			t.Errorf("CanAccessServer(level=%q, user=%d) = %v, want %v", tt.level, tt.user, got, tt.want)
		}
	}
}

func TestHashToken(t *testing.T) {
	h := HashToken("mcp_token_abc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("mcp_token_abc"))
	assert.NotEqual(t, h, HashToken("mcp_token_abd"))
}

func TestParseScopes(t *testing.T) {
	assert.Equal(t, []string{"mcp:read", "mcp:write"}, ParseScopes("  mcp:read   mcp:write "))
	assert.Empty(t, ParseScopes(""))
}
