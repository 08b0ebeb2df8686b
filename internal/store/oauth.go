// ABOUTME: Persistence for OAuth clients, authorization codes, access and refresh tokens
// ABOUTME: Single-use records are consumed with a conditional UPDATE so racing callers cannot both win

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// OAuthClient is a registered OAuth client. The secret is only kept as a bcrypt hash.
type OAuthClient struct {
	ClientID     string
	SecretHash   string
	OwnerID      *int64
	Name         string
	RedirectURIs []string
	CreatedAt    time.Time
}

// HasRedirectURI reports whether uri is registered exactly.
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthorizationCode is a short-lived grant bound to a client, user and redirect URI.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              int64
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	UsedAt              *time.Time
	CreatedAt           time.Time
}

// AccessToken is a bearer token row. Only the SHA-256 hash of the token is stored.
type AccessToken struct {
	TokenHash  string
	ClientID   string
	UserID     int64
	Scope      string
	ExpiresAt  time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// RefreshToken is a single-use token that mints a new access/refresh pair.
type RefreshToken struct {
	TokenHash string
	ClientID  string
	UserID    int64
	Scope     string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// OAuthStore persists OAuth entities for the embedded authorization server.
type OAuthStore interface {
	CreateOAuthClient(ctx context.Context, c *OAuthClient) error
	GetOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error)

	CreateAuthorizationCode(ctx context.Context, c *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	MarkAuthorizationCodeUsed(ctx context.Context, code string, at time.Time) error

	CreateAccessToken(ctx context.Context, t *AccessToken) error
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)
	TouchAccessToken(ctx context.Context, tokenHash string, at time.Time) error

	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	MarkRefreshTokenUsed(ctx context.Context, tokenHash string, at time.Time) error

	DeleteExpiredOAuthRecords(ctx context.Context, before time.Time) (int64, error)
}

// CreateOAuthClient stores a new client. Returns ErrDuplicate if the ID is taken.
func (s *SQLiteStore) CreateOAuthClient(ctx context.Context, c *OAuthClient) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("marshaling redirect uris: %w", err)
	}

	var owner any
	if c.OwnerID != nil {
		owner = *c.OwnerID
	}

	query := `
		INSERT INTO oauth_clients (client_id, client_secret_hash, owner_id, name, redirect_uris, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		c.ClientID, c.SecretHash, owner, c.Name, string(uris), formatTime(c.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting oauth client: %w", err)
	}

	s.logger.Debug("created oauth client", "client_id", c.ClientID)
	return nil
}

// GetOAuthClient retrieves a client by ID.
func (s *SQLiteStore) GetOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	query := `
		SELECT client_id, client_secret_hash, owner_id, name, redirect_uris, created_at
		FROM oauth_clients WHERE client_id = ?
	`

	var c OAuthClient
	var owner sql.NullInt64
	var uris, createdAt string

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&c.ClientID, &c.SecretHash, &owner, &c.Name, &uris, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying oauth client: %w", err)
	}

	if owner.Valid {
		c.OwnerID = &owner.Int64
	}
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	c.CreatedAt = s.parseTime("oauth_clients.created_at", createdAt)
	return &c, nil
}

// CreateAuthorizationCode stores a freshly issued code.
func (s *SQLiteStore) CreateAuthorizationCode(ctx context.Context, c *AuthorizationCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO oauth_codes (code, client_id, user_id, redirect_uri, scope,
			code_challenge, code_challenge_method, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.Code, c.ClientID, c.UserID, c.RedirectURI, c.Scope,
		nullString(c.CodeChallenge), nullString(c.CodeChallengeMethod),
		c.ExpiresAt.Unix(), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode retrieves a code whether or not it has been used.
func (s *SQLiteStore) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	query := `
		SELECT code, client_id, user_id, redirect_uri, scope,
			code_challenge, code_challenge_method, expires_at, used_at, created_at
		FROM oauth_codes WHERE code = ?
	`

	var c AuthorizationCode
	var challenge, method sql.NullString
	var expiresAt int64
	var usedAt sql.NullInt64
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope,
		&challenge, &method, &expiresAt, &usedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorization code: %w", err)
	}

	c.CodeChallenge = challenge.String
	c.CodeChallengeMethod = method.String
	c.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	c.UsedAt = fromNullUnix(usedAt)
	c.CreatedAt = s.parseTime("oauth_codes.created_at", createdAt)
	return &c, nil
}

// MarkAuthorizationCodeUsed consumes a code. Returns ErrAlreadyUsed if another caller got there first.
func (s *SQLiteStore) MarkAuthorizationCodeUsed(ctx context.Context, code string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE oauth_codes SET used_at = ? WHERE code = ? AND used_at IS NULL`, at.Unix(), code)
	if err != nil {
		return fmt.Errorf("consuming authorization code: %w", err)
	}
	return expectConsumed(result)
}

// CreateAccessToken stores the hash of a newly minted access token.
func (s *SQLiteStore) CreateAccessToken(ctx context.Context, t *AccessToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO oauth_access_tokens (token_hash, client_id, user_id, scope, expires_at, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.TokenHash, t.ClientID, t.UserID, t.Scope, t.ExpiresAt.Unix(),
		unixOrNil(t.LastUsedAt), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting access token: %w", err)
	}
	return nil
}

// GetAccessToken retrieves an access token row by hash.
func (s *SQLiteStore) GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error) {
	query := `
		SELECT token_hash, client_id, user_id, scope, expires_at, last_used_at, created_at
		FROM oauth_access_tokens WHERE token_hash = ?
	`

	var t AccessToken
	var expiresAt int64
	var lastUsed sql.NullInt64
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&t.TokenHash, &t.ClientID, &t.UserID, &t.Scope, &expiresAt, &lastUsed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying access token: %w", err)
	}

	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	t.LastUsedAt = fromNullUnix(lastUsed)
	t.CreatedAt = s.parseTime("oauth_access_tokens.created_at", createdAt)
	return &t, nil
}

// TouchAccessToken records the last time a token was presented.
func (s *SQLiteStore) TouchAccessToken(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_access_tokens SET last_used_at = ? WHERE token_hash = ?`, at.Unix(), tokenHash)
	if err != nil {
		return fmt.Errorf("touching access token: %w", err)
	}
	return nil
}

// CreateRefreshToken stores the hash of a newly minted refresh token.
func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO oauth_refresh_tokens (token_hash, client_id, user_id, scope, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.TokenHash, t.ClientID, t.UserID, t.Scope, t.ExpiresAt.Unix(), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token row by hash.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	query := `
		SELECT token_hash, client_id, user_id, scope, expires_at, used_at, created_at
		FROM oauth_refresh_tokens WHERE token_hash = ?
	`

	var t RefreshToken
	var expiresAt int64
	var usedAt sql.NullInt64
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&t.TokenHash, &t.ClientID, &t.UserID, &t.Scope, &expiresAt, &usedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}

	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	t.UsedAt = fromNullUnix(usedAt)
	t.CreatedAt = s.parseTime("oauth_refresh_tokens.created_at", createdAt)
	return &t, nil
}

// MarkRefreshTokenUsed consumes a refresh token. Returns ErrAlreadyUsed on a lost race.
func (s *SQLiteStore) MarkRefreshTokenUsed(ctx context.Context, tokenHash string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET used_at = ? WHERE token_hash = ? AND used_at IS NULL`,
		at.Unix(), tokenHash)
	if err != nil {
		return fmt.Errorf("consuming refresh token: %w", err)
	}
	return expectConsumed(result)
}

// DeleteExpiredOAuthRecords removes codes and tokens that expired before the given time.
// Returns the total number of rows removed.
func (s *SQLiteStore) DeleteExpiredOAuthRecords(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.Unix()
	var total int64

	for _, table := range []string{"oauth_codes", "oauth_access_tokens", "oauth_refresh_tokens"} {
		result, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("deleting expired rows from %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("getting rows affected: %w", err)
		}
		total += n
	}

	if total > 0 {
		s.logger.Debug("deleted expired oauth records", "count", total)
	}
	return total, nil
}

func expectConsumed(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyUsed
	}
	return nil
}

// unixOrNil converts an optional time to unix seconds for nullable INTEGER columns.
func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
