package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "docvault"
	bearerScheme         = "bearer"
)

var (
	ErrMissingSessionSigningKey = errors.New("docvault session: signing secret is not configured")
	ErrMissingSessionCookieName = errors.New("docvault session: cookie name is not configured")
	ErrMissingSessionToken      = errors.New("docvault session: no cookie or bearer token presented")
	ErrInvalidSessionToken      = errors.New("docvault session: token rejected")
	ErrExpiredSessionToken      = errors.New("docvault session: token has expired")
	ErrMissingSessionSubject    = errors.New("docvault session: token names no user")
)

// SessionClaims identifies the caller behind a document request. UserRoles, when present,
// are the role names the users package syncs into the stored profile.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// Validate runs after the registered claims checks pass.
func (c SessionClaims) Validate() error {
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.UserID) == "" {
		return ErrMissingSessionSubject
	}
	return nil
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	// Issuer defaults to "docvault", matching TokenIssuer.
	Issuer     string
	CookieName string
	Clock      func() time.Time
}

// SessionValidator authenticates document API requests from the session cookie or an
// Authorization bearer token signed with the shared HS256 secret.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// CookieName is the cookie the browser client stores its session in.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken checks signature, issuer and expiry, then returns the claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.signingSecret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case errors.Is(err, ErrMissingSessionSubject):
		return SessionClaims{}, ErrMissingSessionSubject
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return SessionClaims{}, fmt.Errorf("%w: issued by %q", ErrInvalidSessionToken, claims.Issuer)
	default:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
}

// ValidateRequest prefers a non-empty session cookie and otherwise accepts a bearer token,
// which is how service accounts minted by the CLI authenticate.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, ok := v.requestToken(r)
	if !ok {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(token)
}

func (v *SessionValidator) requestToken(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
