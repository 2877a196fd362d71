package api

import (
	"context"
	"crypto/rsa"
	"net/http"

	"drainsrv/internal/domain"
)

// JWKSProvider fetches and caches public keys from the identity service's JWKS endpoint.
type JWKSProvider interface {
	// GetKey returns the public key for the given key ID.
	GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// RateLimiter decides whether a request identified by key should be allowed.
type RateLimiter interface {
	Allow(key string) RateLimitResult
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter int // seconds until next token available; 0 if allowed
}

// StatusWriter records the status code and whether the header has gone out.
type StatusWriter struct {
	http.ResponseWriter
	Code  int
	Wrote bool
}

func (sw *StatusWriter) WriteHeader(code int) {
	if !sw.Wrote && code >= 200 {
		sw.Code = code
		sw.Wrote = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.Wrote = true
	return sw.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// NewStatusWriter wraps w, defaulting the recorded code to 200. A writer that
// is already a *StatusWriter is returned as is.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	if sw, ok := w.(*StatusWriter); ok {
		return sw
	}
	return &StatusWriter{ResponseWriter: w, Code: http.StatusOK}
}

// PrincipalFromContext extracts the authenticated principal from a request context.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// ContextWithPrincipal stores the authenticated principal in the context.
func ContextWithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

type principalKey struct{}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID stores the request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type requestIDKey struct{}
