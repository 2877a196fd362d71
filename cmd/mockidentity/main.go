// Command mockidentity is a development identity service for drainsrv. It
// signs short-lived RS256 tokens for a fixed set of operators and serves the
// matching JWKS.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"drainsrv/internal/domain"
	"drainsrv/internal/platform/server"
)

// operator is a principal the mock service can issue tokens for.
type operator struct {
	secret string
	kind   domain.PrincipalType
	scopes []domain.Scope
}

var operators = map[string]operator{
	"admin":      {secret: "admin", kind: domain.PrincipalUser, scopes: []domain.Scope{domain.ScopeAdminDrain, "metrics:read"}},
	"viewer":     {secret: "viewer", kind: domain.PrincipalUser, scopes: []domain.Scope{"metrics:read"}},
	"deploy-bot": {secret: "test-api-key-1", kind: domain.PrincipalService, scopes: []domain.Scope{domain.ScopeAdminDrain}},
}

type issuer struct {
	kid  string
	priv *rsa.PrivateKey
	ttl  time.Duration
}

func newIssuer(ttl time.Duration) (*issuer, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return &issuer{kid: fmt.Sprintf("mock-%d", time.Now().Unix()), priv: priv, ttl: ttl}, nil
}

func (is *issuer) issue(id string, op operator) (domain.TokenPair, error) {
	scopes := make([]string, len(op.scopes))
	for i, s := range op.scopes {
		scopes[i] = string(s)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":    id,
		"type":   op.kind.String(),
		"scopes": strings.Join(scopes, " "),
		"iat":    now.Unix(),
		"exp":    now.Add(is.ttl).Unix(),
		"iss":    "mock-identity",
	})
	token.Header["kid"] = is.kid

	signed, err := token.SignedString(is.priv)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("signing token: %w", err)
	}
	return domain.TokenPair{AccessToken: signed, ExpiresIn: int(is.ttl.Seconds()), TokenType: "Bearer"}, nil
}

func (is *issuer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	pub := &is.priv.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": is.kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

// serveToken accepts {"id","secret"} and answers with a TokenPair.
func (is *issuer) serveToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "bad_request", Message: "expected {\"id\",\"secret\"}"})
		return
	}
	op, ok := operators[req.ID]
	if !ok || op.secret != req.Secret {
		slog.Warn("token refused", "id", req.ID)
		writeJSON(w, http.StatusUnauthorized, domain.Problem("unauthorized", domain.ErrInvalidCredentials))
		return
	}

	pair, err := is.issue(req.ID, op)
	if err != nil {
		slog.Error("issuing token", "id", req.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{Error: "internal_error", Message: "could not sign token"})
		return
	}
	slog.Info("token issued", "id", req.ID, "type", op.kind.String())
	writeJSON(w, http.StatusOK, pair)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("mock identity stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	port, err := strconv.Atoi(envOr("IDENTITY_PORT", "8081"))
	if err != nil {
		return fmt.Errorf("IDENTITY_PORT: %w", err)
	}
	ttl, err := time.ParseDuration(envOr("TOKEN_TTL", "15m"))
	if err != nil {
		return fmt.Errorf("TOKEN_TTL: %w", err)
	}

	is, err := newIssuer(ttl)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", is.serveJWKS)
	mux.HandleFunc("POST /token", is.serveToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{
		Tag:     "mock-identity",
		Logger:  logger,
		Handler: mux,
		Listen:  &server.ListenTarget{Port: port},
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	slog.Info("issuing tokens", "kid", is.kid, "ttl", ttl.String(), "operators", len(operators))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		srv.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		slog.Warn("forced close after stop timeout")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
