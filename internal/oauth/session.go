// ABOUTME: Reads the login collaborator's session cookie and mints consent CSRF tokens
// ABOUTME: Both are HS256 JWTs signed with the shared session secret

package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionCookie is the cookie the login collaborator sets.
const DefaultSessionCookie = "relay_session"

// DefaultCSRFTTL bounds how long a consent page stays submittable.
const DefaultCSRFTTL = 10 * time.Minute

var (
	ErrNoSession   = errors.New("no session")
	ErrBadSession  = errors.New("invalid session")
	ErrInvalidCSRF = errors.New("invalid csrf token")
)

// User is the signed-in human approving a client.
type User struct {
	ID    int64
	Email string
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type csrfClaims struct {
	ClientID    string `json:"cid"`
	RedirectURI string `json:"ruri"`
	jwt.RegisteredClaims
}

// Sessions verifies session cookies and CSRF tokens.
type Sessions struct {
	secret     []byte
	cookieName string
	csrfTTL    time.Duration
}

// NewSessions creates a Sessions. Empty cookie name and zero TTL take defaults.
func NewSessions(secret []byte, cookieName string, csrfTTL time.Duration) *Sessions {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	if csrfTTL <= 0 {
		csrfTTL = DefaultCSRFTTL
	}
	return &Sessions{secret: secret, cookieName: cookieName, csrfTTL: csrfTTL}
}

// CookieName returns the session cookie name.
func (s *Sessions) CookieName() string { return s.cookieName }

// UserFromRequest returns the user of a valid session cookie.
func (s *Sessions) UserFromRequest(r *http.Request) (*User, error) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}

	var claims sessionClaims
	if _, err := jwt.ParseWithClaims(cookie.Value, &claims, s.keyFunc, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSession, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrBadSession)
	}
	return &User{ID: id, Email: claims.Email}, nil
}

// IssueSession signs a session token. The login collaborator uses the same format.
func (s *Sessions) IssueSession(u User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// IssueCSRF binds a consent form to one user, client and redirect URI.
func (s *Sessions) IssueCSRF(userID int64, clientID, redirectURI string) (string, error) {
	now := time.Now()
	claims := csrfClaims{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.csrfTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyCSRF checks a consent form token against the submitting user and request.
func (s *Sessions) VerifyCSRF(token string, userID int64, clientID, redirectURI string) error {
	var claims csrfClaims
	if _, err := jwt.ParseWithClaims(token, &claims, s.keyFunc, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCSRF, err)
	}
	if claims.Subject != strconv.FormatInt(userID, 10) || claims.ClientID != clientID || claims.RedirectURI != redirectURI {
		return ErrInvalidCSRF
	}
	return nil
}

func (s *Sessions) keyFunc(*jwt.Token) (any, error) {
	return s.secret, nil
}
