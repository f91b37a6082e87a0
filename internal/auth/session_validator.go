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
	bearerPrefix        = "Bearer "
	authorizationHeader = "Authorization"
	maxSessionLeeway    = 5 * time.Minute
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrInvalidSessionLeeway     = errors.New("session validator: leeway out of range")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
	ErrSessionSubjectMismatch   = errors.New("session validator: subject does not match user id")
)

// SessionClaims identifies the map user behind a request. The auth service issues them with the
// user id repeated as the JWT subject.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig configures a SessionValidator. Leeway absorbs clock skew between the
// auth service and this server and may not exceed five minutes.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// SessionValidator authenticates map clients from the session cookie, or from a bearer header
// when the client cannot carry cookies.
type SessionValidator struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxSessionLeeway {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSessionLeeway, cfg.Leeway)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// CookieName is the cookie ValidateRequest reads and logout expires.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken checks the signature, issuer and lifetime of a session token and that its
// subject names the same user as its user_id claim.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}

	subject := strings.TrimSpace(claims.Subject)
	userID := strings.TrimSpace(claims.UserID)
	switch {
	case subject == "" || userID == "":
		return SessionClaims{}, ErrMissingSessionSubject
	case subject != userID:
		return SessionClaims{}, ErrSessionSubjectMismatch
	}
	return claims, nil
}

// ValidateRequest authenticates r. A non-empty session cookie wins over the Authorization header.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	return v.ValidateToken(v.sessionToken(r))
}

func (v *SessionValidator) sessionToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get(authorizationHeader); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimPrefix(header, bearerPrefix)
	}
	return ""
}

func (v *SessionValidator) signingKey(*jwt.Token) (interface{}, error) {
	return v.secret, nil
}
