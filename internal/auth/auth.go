// Package auth verifies the credential a client presents during the
// handshake and issues development tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/thenoetrevino/boardsync/internal/events"
)

// DefaultJWKSRefresh is how often a remote key set is refetched
const DefaultJWKSRefresh = 15 * time.Minute

// leeway tolerates small clock drift between issuer and server
const leeway = time.Minute

var (
	ErrNoKeySource = errors.New("auth: either a shared secret or a JWKS url is required")
	errMissing     = errors.New("missing authorization header")
	errBadHeader   = errors.New("bad auth header")
)

// Config selects how tokens are verified. A JWKSURL means RS256 tokens
// checked against the remote key set; otherwise Secret verifies HS256.
type Config struct {
	Secret          string
	JWKSURL         string
	Audience        string
	Issuer          string
	RefreshInterval time.Duration
}

// Verifier turns a bearer token into a user id
type Verifier struct {
	secret   []byte
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	parser   *jwt.Parser
	now      func() time.Time
}

// NewVerifier builds a verifier. With a JWKS url the key set is fetched
// once here and refreshed in the background until Close.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{
		audience: cfg.Audience,
		issuer:   cfg.Issuer,
		now:      time.Now,
	}

	switch {
	case cfg.JWKSURL != "":
		refresh := cfg.RefreshInterval
		if refresh <= 0 {
			refresh = DefaultJWKSRefresh
		}
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   refresh,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch jwks: %w", err)
		}
		v.jwks = jwks
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	case cfg.Secret != "":
		v.secret = []byte(cfg.Secret)
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	default:
		return nil, ErrNoKeySource
	}
	return v, nil
}

// Close stops the background key refresh
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// Authenticate validates token and returns its subject. Every failure is an
// unauthorized protocol error.
func (v *Verifier) Authenticate(token string) (string, error) {
	if strings.Count(token, ".") != 2 {
		return "", events.Errorf(events.CodeUnauthorized, "malformed token")
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keyFor); err != nil {
		return "", events.Errorf(events.CodeUnauthorized, "invalid token: %v", err)
	}

	now := v.now()
	switch {
	case !claims.VerifyExpiresAt(now.Add(-leeway), true):
		return "", events.Errorf(events.CodeUnauthorized, "token expired")
	case !claims.VerifyNotBefore(now.Add(leeway), false):
		return "", events.Errorf(events.CodeUnauthorized, "token not valid yet")
	case !claims.VerifyIssuedAt(now.Add(leeway), false):
		return "", events.Errorf(events.CodeUnauthorized, "token used before issued")
	case v.audience != "" && !claims.VerifyAudience(v.audience, true):
		return "", events.Errorf(events.CodeUnauthorized, "invalid audience")
	case v.issuer != "" && !claims.VerifyIssuer(v.issuer, true):
		return "", events.Errorf(events.CodeUnauthorized, "invalid issuer")
	case claims.Subject == "":
		return "", events.Errorf(events.CodeUnauthorized, "missing sub")
	}
	return claims.Subject, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	if v.jwks != nil {
		return v.jwks.Keyfunc(t)
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("invalid signing method")
	}
	return v.secret, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errMissing
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.Count(token, ".") != 2 {
		return "", errBadHeader
	}
	return token, nil
}

// IssueToken signs an HS256 token for userID, for tooling and tests
func IssueToken(secret []byte, userID string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoKeySource
	}
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
