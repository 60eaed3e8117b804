package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenoetrevino/boardsync/internal/events"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHSVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	v.now = func() time.Time { return testNow }
	return v
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims, kid string) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

// ============================================================================
// HS256
// ============================================================================

func TestAuthenticate_IssuedToken(t *testing.T) {
	v := newHSVerifier(t, Config{})

	token, err := IssueToken([]byte("test-secret"), "user-123", time.Hour, testNow)
	require.NoError(t, err)

	userID, err := v.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestAuthenticate_Rejects(t *testing.T) {
	v := newHSVerifier(t, Config{Audience: "boardsync", Issuer: "https://issuer/"})

	valid := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"boardsync"},
			Issuer:    "https://issuer/",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		}
	}

	tests := []struct {
		name  string
		token func() string
	}{
		{"garbage", func() string { return "not-a-token" }},
		{"wrong secret", func() string {
			return sign(t, jwt.SigningMethodHS256, []byte("other"), valid(), "")
		}},
		{"expired", func() string {
			c := valid()
			c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-2 * time.Minute))
			return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c, "")
		}},
		{"no expiry", func() string {
			c := valid()
			c.ExpiresAt = nil
			return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c, "")
		}},
		{"not yet valid", func() string {
			c := valid()
			c.NotBefore = jwt.NewNumericDate(testNow.Add(10 * time.Minute))
			return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c, "")
		}},
		{"wrong audience", func() string {
			c := valid()
			c.Audience = jwt.ClaimStrings{"someone-else"}
			return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c, "")
		}},
		{"wrong issuer", func() string {
			c := valid()
			c.Issuer = "https://evil/"
			return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c, "")
		}},
		{"missing subject", func() string {
			c := valid()
			c.Subject = ""
			return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c, "")
		}},
		{"wrong method", func() string {
			return sign(t, jwt.SigningMethodHS512, []byte("test-secret"), valid(), "")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Authenticate(tt.token())
			require.Error(t, err)
			assert.ErrorIs(t, err, events.ErrUnauthorized)
		})
	}
}

func TestAuthenticate_ToleratesSmallDrift(t *testing.T) {
	v := newHSVerifier(t, Config{})
	token := sign(t, jwt.SigningMethodHS256, []byte("test-secret"), jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(testNow.Add(-30 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(testNow.Add(30 * time.Second)),
	}, "")

	userID, err := v.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestNewVerifier_NeedsKeySource(t *testing.T) {
	_, err := NewVerifier(Config{})
	assert.ErrorIs(t, err, ErrNoKeySource)

	_, err = IssueToken(nil, "u1", time.Hour, testNow)
	assert.ErrorIs(t, err, ErrNoKeySource)
}

// ============================================================================
// RS256 VIA JWKS
// ============================================================================

func TestAuthenticate_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	v, err := NewVerifier(Config{JWKSURL: srv.URL, Issuer: "https://issuer/"})
	require.NoError(t, err)
	defer v.Close()
	v.now = func() time.Time { return testNow }

	claims := jwt.RegisteredClaims{
		Subject:   "user-rs",
		Issuer:    "https://issuer/",
		ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
	}

	userID, err := v.Authenticate(sign(t, jwt.SigningMethodRS256, key, claims, "k1"))
	require.NoError(t, err)
	assert.Equal(t, "user-rs", userID)

	// a shared-secret token is not accepted by an RS256 verifier
	_, err = v.Authenticate(sign(t, jwt.SigningMethodHS256, []byte("x"), claims, "k1"))
	assert.ErrorIs(t, err, events.ErrUnauthorized)
}

// ============================================================================
// HEADER PARSING
// ============================================================================

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer header.payload.signature")
	require.NoError(t, err)
	assert.Equal(t, "header.payload.signature", token)

	_, err = BearerToken("")
	assert.EqualError(t, err, "missing authorization header")

	for _, h := range []string{"Bearer", "Basic a.b.c", "Bearer ....", "Bearer abc"} {
		_, err = BearerToken(h)
		assert.EqualError(t, err, "bad auth header", h)
	}
}
