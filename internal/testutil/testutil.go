// Package testutil holds fixtures shared by drainsrv tests: a token signer
// with its JWKS, slow handlers, and polling helpers.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"drainsrv/internal/domain"
)

// Signer issues RS256 tokens under a single key id.
type Signer struct {
	Kid string
	Key *rsa.PrivateKey
}

// NewSigner generates a fresh 2048-bit key.
func NewSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return &Signer{Kid: fmt.Sprintf("test-%x", key.N.Bytes()[:6]), Key: key}
}

// Public returns the verification key.
func (s *Signer) Public() *rsa.PublicKey {
	return &s.Key.PublicKey
}

// Token signs a token for p that expires after ttl. A negative ttl gives an
// already-expired token.
func (s *Signer) Token(t *testing.T, p domain.Principal, ttl time.Duration) string {
	t.Helper()
	scopes := make([]string, len(p.Scopes))
	for i, sc := range p.Scopes {
		scopes[i] = string(sc)
	}
	now := time.Now()
	return s.Sign(t, jwt.MapClaims{
		"sub":    p.ID,
		"type":   p.Type.String(),
		"scopes": strings.Join(scopes, " "),
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
		"iss":    "drainsrv-test",
	})
}

// Sign signs arbitrary claims with the signer's key and kid.
func (s *Signer) Sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.Kid
	signed, err := token.SignedString(s.Key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// JWKS serves the signer's public key as a JSON Web Key Set.
func (s *Signer) JWKS() http.Handler {
	pub := s.Public()
	body, _ := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": s.Kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
}

// JWKSServer starts an httptest server for JWKS, closed with the test.
func (s *Signer) JWKSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(s.JWKS())
	t.Cleanup(srv.Close)
	return srv
}

// DelayHandler serves GET /foo with "foo" and GET /delay with "delay" after
// d. hook, if non-nil, runs when a /delay request reaches the handler.
func DelayHandler(d time.Duration, hook func()) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /foo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("foo"))
	})
	mux.HandleFunc("GET /delay", func(w http.ResponseWriter, r *http.Request) {
		if hook != nil {
			hook()
		}
		time.Sleep(d)
		w.Write([]byte("delay"))
	})
	return mux
}

// FreeAddr returns a loopback address that was free a moment ago.
func FreeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// WaitForReady polls url until it answers or three seconds pass.
func WaitForReady(t *testing.T, url string) {
	t.Helper()
	WaitFor(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	})
}

// WaitFor polls cond until it holds or three seconds pass.
func WaitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 3s")
}
