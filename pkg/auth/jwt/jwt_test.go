package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/sandkasten-dev/sandkasten/pkg/auth"
)

// testKeyPair holds the RSA key pair used throughout the tests.
var testKeyPair *rsa.PrivateKey

func init() {
	var err error
	testKeyPair, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("generating test RSA key: %v", err))
	}
}

// testKID is the key ID used for the test key pair.
const testKID = "test-key-1"

// jwksHandler returns an HTTP handler that serves the test public key as a JWKS.
// It also increments fetchCount each time the handler is called.
func jwksHandler(fetchCount *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fetchCount != nil {
			fetchCount.Add(1)
		}

		pubKey := testKeyPair.PublicKey
		nBase64 := base64.RawURLEncoding.EncodeToString(pubKey.N.Bytes())
		eBase64 := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pubKey.E)).Bytes())

		jwks := map[string]interface{}{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": testKID,
					"use": "sig",
					"n":   nBase64,
					"e":   eBase64,
				},
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}
}

// createSignedToken creates a JWT signed with the test private key.
func createSignedToken(t *testing.T, claims jwtlib.MapClaims) string {
	t.Helper()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	token.Header["kid"] = testKID

	tokenStr, err := token.SignedString(testKeyPair)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return tokenStr
}

// newTestAuthenticator creates a test JWKS server and JWT authenticator.
func newTestAuthenticator(t *testing.T, cfgOverride func(*Config), fetchCount *atomic.Int32) (*Authenticator, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(jwksHandler(fetchCount))
	t.Cleanup(server.Close)

	cfg := Config{
		Issuer:   "https://auth.example.com",
		Audience: "sandkasten",
		JWKSURL:  server.URL + "/.well-known/jwks.json",
		CacheTTL: 1 * time.Hour,
	}

	if cfgOverride != nil {
		cfgOverride(&cfg)
	}

	authn := New(cfg)
	return authn, server
}

func validClaims() jwtlib.MapClaims {
	return jwtlib.MapClaims{
		"sub": "user-123",
		"iss": "https://auth.example.com",
		"aud": "sandkasten",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
}

func authenticate(t *testing.T, authn *Authenticator, token string) auth.AuthResult {
	t.Helper()
	r := httptest.NewRequest("GET", "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return authn.Authenticate(context.Background(), r)
}

func TestJWT_ValidToken(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	result := authenticate(t, authn, createSignedToken(t, validClaims()))

	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes; err=%v", result.Decision, result.Err)
	}
	if result.Identity == nil {
		t.Fatal("Identity is nil")
	}
	if result.Identity.Subject != "user-123" {
		t.Errorf("Subject = %q, want %q", result.Identity.Subject, "user-123")
	}
}

func TestJWT_ExpiredToken(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-1 * time.Hour).Unix()
	claims["iat"] = time.Now().Add(-2 * time.Hour).Unix()

	result := authenticate(t, authn, createSignedToken(t, claims))
	if result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No (expired)", result.Decision)
	}
}

func TestJWT_WrongAudience(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	claims := validClaims()
	claims["aud"] = "some-other-api"

	result := authenticate(t, authn, createSignedToken(t, claims))
	if result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No (wrong audience)", result.Decision)
	}
}

func TestJWT_WrongIssuer(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	claims := validClaims()
	claims["iss"] = "https://evil.example.com"

	result := authenticate(t, authn, createSignedToken(t, claims))
	if result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No (wrong issuer)", result.Decision)
	}
}

func TestJWT_NoAuthorizationHeader(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	result := authenticate(t, authn, "")
	if result.Decision != auth.Abstain {
		t.Fatalf("Decision = %d, want Abstain", result.Decision)
	}
}

func TestJWT_NonBearerScheme(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	result := authn.Authenticate(context.Background(), r)
	if result.Decision != auth.Abstain {
		t.Fatalf("Decision = %d, want Abstain", result.Decision)
	}
}

func TestJWT_MalformedToken(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	result := authenticate(t, authn, "not.a.jwt")
	if result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No (malformed)", result.Decision)
	}
}

func TestJWT_MissingSubjectClaim(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	claims := validClaims()
	delete(claims, "sub")

	result := authenticate(t, authn, createSignedToken(t, claims))
	if result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No (missing sub)", result.Decision)
	}
}

func TestJWT_TierAndScopes(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	claims := validClaims()
	claims["tier"] = "premium"
	claims["scope"] = "connect release"

	result := authenticate(t, authn, createSignedToken(t, claims))
	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes; err=%v", result.Decision, result.Err)
	}
	if result.Identity.ServiceTier != "premium" {
		t.Errorf("ServiceTier = %q, want %q", result.Identity.ServiceTier, "premium")
	}
	if len(result.Identity.Scopes) != 2 || result.Identity.Scopes[0] != "connect" {
		t.Errorf("Scopes = %v, want [connect release]", result.Identity.Scopes)
	}
}

func TestJWT_ScopesAsArray(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	claims := validClaims()
	claims["scope"] = []string{"connect", "admin"}

	result := authenticate(t, authn, createSignedToken(t, claims))
	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes; err=%v", result.Decision, result.Err)
	}
	if len(result.Identity.Scopes) != 2 || result.Identity.Scopes[1] != "admin" {
		t.Errorf("Scopes = %v, want [connect admin]", result.Identity.Scopes)
	}
}

func TestJWT_JWKSCaching(t *testing.T) {
	var fetches atomic.Int32
	authn, _ := newTestAuthenticator(t, nil, &fetches)

	for i := 0; i < 3; i++ {
		result := authenticate(t, authn, createSignedToken(t, validClaims()))
		if result.Decision != auth.Yes {
			t.Fatalf("attempt %d: Decision = %d, want Yes; err=%v", i, result.Decision, result.Err)
		}
	}

	if got := fetches.Load(); got != 1 {
		t.Errorf("JWKS fetches = %d, want 1 (cached)", got)
	}
}

func TestJWT_UnknownKID(t *testing.T) {
	authn, _ := newTestAuthenticator(t, nil, nil)

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, validClaims())
	token.Header["kid"] = "unknown-key"
	tokenStr, err := token.SignedString(testKeyPair)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	result := authenticate(t, authn, tokenStr)
	if result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No (unknown kid)", result.Decision)
	}
}

func TestJWT_JWKSUnreachable(t *testing.T) {
	authn := New(Config{
		JWKSURL: "http://127.0.0.1:1/jwks.json",
	})

	result := authenticate(t, authn, createSignedToken(t, jwtlib.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	}))
	if result.Decision != auth.No {
		t.Fatalf("Decision = %d, want No (JWKS unreachable)", result.Decision)
	}
}
