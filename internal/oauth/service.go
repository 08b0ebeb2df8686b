// ABOUTME: OAuth service: client registration, authorization codes, PKCE and token lifecycle
// ABOUTME: Persists only hashes; plaintext secrets and tokens are returned once

package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/relay-gateway/internal/store"
)

// Token lifetimes.
const (
	CodeTTL         = 10 * time.Minute
	AccessTokenTTL  = time.Hour
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// Credential prefixes.
const (
	ClientIDPrefix     = "mcp_"
	CodePrefix         = "code_"
	AccessTokenPrefix  = "mcp_token_"
	RefreshTokenPrefix = "mcp_refresh_"
)

// DefaultScope is granted when the client asks for none.
const DefaultScope = "mcp:read"

const touchTimeout = 5 * time.Second

var (
	ErrInvalidClientMetadata = errors.New("invalid client metadata")
	ErrInvalidClient         = errors.New("invalid client")

	ErrInvalidCode      = errors.New("invalid authorization code")
	ErrClientMismatch   = errors.New("client mismatch")
	ErrRedirectMismatch = errors.New("redirect uri mismatch")
	ErrCodeExpired      = errors.New("authorization code expired")
	ErrCodeUsed         = errors.New("authorization code already used")
	ErrInvalidVerifier  = errors.New("invalid code_verifier")

	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrRefreshTokenUsed    = errors.New("refresh token already used")

	ErrInvalidAccessToken = errors.New("the access token is invalid")
	ErrAccessTokenExpired = errors.New("the access token has expired")
)

// RegistrationRequest is the dynamic client registration body.
type RegistrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// RegistrationResponse is returned once per registration; it carries the only copy of the secret.
type RegistrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	ClientName            string   `json:"client_name"`
	RedirectURIs          []string `json:"redirect_uris"`
	ClientIDIssuedAt      int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at"`
}

// CodeRequest describes a code to issue after consent.
type CodeRequest struct {
	ClientID            string
	UserID              int64
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ConsumedCode is the data bound to a redeemed authorization code.
type ConsumedCode struct {
	UserID              int64
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ConsumedRefreshToken is the data bound to a redeemed refresh token.
type ConsumedRefreshToken struct {
	ClientID string
	UserID   int64
	Scope    string
}

// ValidatedToken describes a live access token.
type ValidatedToken struct {
	UserID    int64
	ClientID  string
	Scope     string
	ExpiresAt time.Time
}

// Service implements the authorization server's state transitions.
type Service struct {
	store  store.OAuthStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(s store.OAuthStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "oauth"),
		now:    time.Now,
	}
}

// RegisterClient validates the request and creates a client with a fresh id and secret.
func (s *Service) RegisterClient(ctx context.Context, ownerID *int64, req RegistrationRequest) (*RegistrationResponse, error) {
	return s.register(ctx, ClientIDPrefix+uuid.New().String(), ownerID, req)
}

// RegisterClientWithID registers a client under an id chosen by the caller.
// The authorize endpoint uses it for clients that skipped registration.
func (s *Service) RegisterClientWithID(ctx context.Context, clientID string, req RegistrationRequest) (*RegistrationResponse, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidClientMetadata)
	}
	return s.register(ctx, clientID, nil, req)
}

func (s *Service) register(ctx context.Context, clientID string, ownerID *int64, req RegistrationRequest) (*RegistrationResponse, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing client secret: %w", err)
	}

	client := &store.OAuthClient{
		ClientID:     clientID,
		SecretHash:   string(hash),
		OwnerID:      ownerID,
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
	}
	if err := s.store.CreateOAuthClient(ctx, client); err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}

	s.logger.Info("registered oauth client", "client_id", clientID, "client_name", req.ClientName)

	return &RegistrationResponse{
		ClientID:              clientID,
		ClientSecret:          secret,
		ClientName:            req.ClientName,
		RedirectURIs:          req.RedirectURIs,
		ClientIDIssuedAt:      client.CreatedAt.Unix(),
		ClientSecretExpiresAt: 0,
	}, nil
}

func validateRegistration(req RegistrationRequest) error {
	if strings.TrimSpace(req.ClientName) == "" {
		return fmt.Errorf("%w: client_name is required", ErrInvalidClientMetadata)
	}
	if len(req.RedirectURIs) == 0 {
		return fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidClientMetadata)
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRedirectURI accepts http(s) and simple custom schemes used by native apps.
func ValidateRedirectURI(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("%w: redirect_uri cannot be empty", ErrInvalidClientMetadata)
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return fmt.Errorf("%w: invalid redirect_uri %q", ErrInvalidClientMetadata, uri)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "http", "https":
		return nil
	case "javascript", "data":
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientMetadata, scheme)
	}
	for _, c := range scheme {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if !isAlnum && c != '.' && c != '+' && c != '-' {
			return fmt.Errorf("%w: invalid scheme %q", ErrInvalidClientMetadata, scheme)
		}
	}
	return nil
}

// GetClient returns a registered client or store.ErrNotFound.
func (s *Service) GetClient(ctx context.Context, clientID string) (*store.OAuthClient, error) {
	return s.store.GetOAuthClient(ctx, clientID)
}

// VerifyClientCredentials checks a client secret against its bcrypt hash.
func (s *Service) VerifyClientCredentials(ctx context.Context, clientID, secret string) (*store.OAuthClient, error) {
	client, err := s.store.GetOAuthClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		return nil, ErrInvalidClient
	}
	return client, nil
}

// CreateAuthorizationCode issues a single-use code valid for CodeTTL.
func (s *Service) CreateAuthorizationCode(ctx context.Context, req CodeRequest) (string, error) {
	code := CodePrefix + uuid.New().String()
	err := s.store.CreateAuthorizationCode(ctx, &store.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           s.now().Add(CodeTTL),
	})
	if err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}
	return code, nil
}

// ConsumeAuthorizationCode validates and redeems a code. Checks run in a fixed
// order: existence, client, redirect URI, expiry, prior use.
func (s *Service) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (*ConsumedCode, error) {
	stored, err := s.store.GetAuthorizationCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, fmt.Errorf("loading authorization code: %w", err)
	}

	now := s.now()
	switch {
	case stored.ClientID != clientID:
		return nil, ErrClientMismatch
	case stored.RedirectURI != redirectURI:
		return nil, ErrRedirectMismatch
	case now.After(stored.ExpiresAt):
		return nil, ErrCodeExpired
	case stored.UsedAt != nil:
		return nil, ErrCodeUsed
	}

	if err := s.store.MarkAuthorizationCodeUsed(ctx, code, now); err != nil {
		if errors.Is(err, store.ErrAlreadyUsed) {
			return nil, ErrCodeUsed
		}
		return nil, fmt.Errorf("marking code used: %w", err)
	}

	return &ConsumedCode{
		UserID:              stored.UserID,
		Scope:               stored.Scope,
		CodeChallenge:       stored.CodeChallenge,
		CodeChallengeMethod: stored.CodeChallengeMethod,
	}, nil
}

// ValidatePKCE checks a verifier against the stored challenge. An empty method means S256.
func ValidatePKCE(verifier, challenge, method string) error {
	var computed string
	switch method {
	case "", "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case "plain":
		computed = verifier
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidVerifier, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrInvalidVerifier
	}
	return nil
}

// CreateAccessToken issues an access token and returns it with its expiry.
func (s *Service) CreateAccessToken(ctx context.Context, clientID string, userID int64, scope string) (string, time.Time, error) {
	token := AccessTokenPrefix + uuid.New().String()
	expires := s.now().Add(AccessTokenTTL)

	err := s.store.CreateAccessToken(ctx, &store.AccessToken{
		TokenHash: HashToken(token),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: expires,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storing access token: %w", err)
	}
	return token, expires, nil
}

// CreateRefreshToken issues a refresh token.
func (s *Service) CreateRefreshToken(ctx context.Context, clientID string, userID int64, scope string) (string, error) {
	token := RefreshTokenPrefix + uuid.New().String()

	err := s.store.CreateRefreshToken(ctx, &store.RefreshToken{
		TokenHash: HashToken(token),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: s.now().Add(RefreshTokenTTL),
	})
	if err != nil {
		return "", fmt.Errorf("storing refresh token: %w", err)
	}
	return token, nil
}

// ConsumeRefreshToken validates and redeems a refresh token. A token works once.
func (s *Service) ConsumeRefreshToken(ctx context.Context, token string) (*ConsumedRefreshToken, error) {
	hash := HashToken(token)

	stored, err := s.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	now := s.now()
	if now.After(stored.ExpiresAt) {
		return nil, ErrRefreshTokenExpired
	}
	if stored.UsedAt != nil {
		s.logger.Warn("refresh token reuse detected", "client_id", stored.ClientID, "user_id", stored.UserID)
		return nil, ErrRefreshTokenUsed
	}

	if err := s.store.MarkRefreshTokenUsed(ctx, hash, now); err != nil {
		if errors.Is(err, store.ErrAlreadyUsed) {
			return nil, ErrRefreshTokenUsed
		}
		return nil, fmt.Errorf("marking refresh token used: %w", err)
	}

	return &ConsumedRefreshToken{ClientID: stored.ClientID, UserID: stored.UserID, Scope: stored.Scope}, nil
}

// ValidateAccessToken looks up a bearer token. On success last_used_at is
// updated in the background; failures of that update are only logged.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (*ValidatedToken, error) {
	hash := HashToken(token)

	stored, err := s.store.GetAccessToken(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidAccessToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading access token: %w", err)
	}

	now := s.now()
	if stored.ExpiresAt.Before(now) {
		return nil, ErrAccessTokenExpired
	}

	go func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		if err := s.store.TouchAccessToken(tctx, hash, now); err != nil {
			s.logger.Debug("failed to update token last_used_at", "error", err)
		}
	}()

	return &ValidatedToken{
		UserID:    stored.UserID,
		ClientID:  stored.ClientID,
		Scope:     stored.Scope,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}

// CanAccessServer applies the tenant's tier to an authenticated user.
func CanAccessServer(tenant *store.Tenant, userID int64) bool {
	switch tenant.EffectiveAccess() {
	case store.AccessPublic, store.AccessOrganization:
		return true
	case store.AccessPrivate:
		return tenant.OwnerID == userID
	default:
		return false
	}
}

// CleanupExpired deletes expired codes and tokens.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredOAuthRecords(ctx, s.now())
}

// HashToken returns the hex SHA-256 of a token, the only form persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseScopes splits a space-delimited scope string.
func ParseScopes(scope string) []string {
	return strings.Fields(scope)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
