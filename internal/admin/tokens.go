package admin

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CapManageOptions is the capability required by every admin action.
const CapManageOptions = "manage_options"

// NonceAction is the anti-forgery action shared by the batch endpoints.
const NonceAction = "webpeasy_regenerate"

const (
	sessionAudience = "webpeasy-admin"
	nonceAudience   = "webpeasy-nonce"
)

var (
	errMissingSecret = errors.New("session secret not configured")
	errInvalidToken  = errors.New("invalid token")
	errWrongSession  = errors.New("nonce bound to another session")
	errWrongAction   = errors.New("nonce issued for another action")
)

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	SessionTTL time.Duration
	NonceTTL   time.Duration
}

// Session is an authenticated operator.
type Session struct {
	ID           string
	Subject      string
	Capabilities []string
	ExpiresAt    time.Time
}

// Can reports whether the operator holds capability c.
func (s *Session) Can(c string) bool {
	return s != nil && slices.Contains(s.Capabilities, c)
}

type sessionClaims struct {
	Caps []string `json:"caps"`
	jwt.RegisteredClaims
}

type nonceClaims struct {
	Action string `json:"act"`
	Sid    string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies operator sessions and nonces with HS256.
type TokenIssuer struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenIssuer fails when no secret is configured.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errMissingSecret
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "webpeasy"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 24 * time.Hour
	}
	return &TokenIssuer{cfg: cfg, now: time.Now}, nil
}

// IssueSession signs a session for subject holding caps.
func (t *TokenIssuer) IssueSession(subject string, caps []string) (string, error) {
	now := t.now()
	claims := sessionClaims{
		Caps: caps,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.cfg.Issuer,
			Audience:  jwt.ClaimStrings{sessionAudience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.SessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.cfg.Secret)
}

// ParseSession verifies a session token.
func (t *TokenIssuer) ParseSession(token string) (*Session, error) {
	var claims sessionClaims
	if err := t.parse(token, sessionAudience, &claims); err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: session has no id", errInvalidToken)
	}
	return &Session{
		ID:           claims.ID,
		Subject:      claims.Subject,
		Capabilities: claims.Caps,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// IssueNonce signs an anti-forgery token for action, bound to s.
func (t *TokenIssuer) IssueNonce(s *Session, action string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("%w: no session", errInvalidToken)
	}
	now := t.now()
	claims := nonceClaims{
		Action: action,
		Sid:    s.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.cfg.Issuer,
			Audience:  jwt.ClaimStrings{nonceAudience},
			Subject:   s.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.NonceTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.cfg.Secret)
}

// VerifyNonce checks that token is a live nonce for action issued to s.
func (t *TokenIssuer) VerifyNonce(s *Session, action, token string) error {
	if s == nil || token == "" {
		return fmt.Errorf("%w: missing nonce", errInvalidToken)
	}
	var claims nonceClaims
	if err := t.parse(token, nonceAudience, &claims); err != nil {
		return err
	}
	if claims.Sid != s.ID {
		return errWrongSession
	}
	if claims.Action != action {
		return errWrongAction
	}
	return nil
}

func (t *TokenIssuer) parse(token, audience string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	return nil
}
