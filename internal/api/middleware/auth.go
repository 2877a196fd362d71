package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"drainsrv/internal/api"
	"drainsrv/internal/domain"
	"drainsrv/internal/platform/telemetry"
)

const maxClockSkew = 30 * time.Second

// Reasons an Auth failure is recorded under.
const (
	authMissing = "missing"
	authExpired = "expired"
	authInvalid = "invalid"
	authClaims  = "claims"
)

// Auth validates RS256 bearer tokens against keys from jwks and stores the
// principal in the request context. Paths in publicPaths skip validation.
// m may be nil.
func Auth(jwks api.JWKSProvider, publicPaths []string, m *telemetry.ServerMetrics) Middleware {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			principal, reason, err := authenticate(r, jwks)
			if err != nil {
				slog.Debug("auth rejected", "reason", reason, "error", err, "request_id", api.RequestIDFromContext(r.Context()))
				m.RecordAuthValidation(r.Context(), reason)
				if reason == authMissing {
					w.Header().Set("WWW-Authenticate", `Bearer realm="drainsrv"`)
				} else {
					w.Header().Set("WWW-Authenticate", `Bearer realm="drainsrv", error="invalid_token"`)
				}
				writeError(w, http.StatusUnauthorized, domain.ErrorResponse{Error: "unauthorized", Message: failureMessage(reason)})
				return
			}

			m.RecordAuthValidation(r.Context(), "success")
			next.ServeHTTP(w, r.WithContext(api.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// authenticate returns the principal for r, or the failure reason and cause.
func authenticate(r *http.Request, jwks api.JWKSProvider) (domain.Principal, string, error) {
	raw, ok := extractBearerToken(r)
	if !ok {
		return domain.Principal{}, authMissing, domain.ErrUnauthorized
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, domain.ErrInvalidToken
		}
		return jwks.GetKey(r.Context(), kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(maxClockSkew),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.Principal{}, authExpired, err
	case err != nil:
		return domain.Principal{}, authInvalid, err
	case !token.Valid:
		return domain.Principal{}, authInvalid, domain.ErrInvalidToken
	}

	principal, err := extractPrincipal(token.Claims)
	if err != nil {
		return domain.Principal{}, authClaims, err
	}
	return principal, "", nil
}

func failureMessage(reason string) string {
	switch reason {
	case authMissing:
		return "missing or malformed authorization header"
	case authExpired:
		return "token expired"
	case authClaims:
		return "invalid token claims"
	default:
		return "invalid token"
	}
}

// RequireScope rejects requests whose principal, set by Auth, lacks scope.
func RequireScope(scope domain.Scope) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := api.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, domain.Problem("unauthorized", domain.ErrUnauthorized))
				return
			}
			if !p.HasScope(scope) {
				writeError(w, http.StatusForbidden, domain.Problem("forbidden", fmt.Errorf("%w %s", domain.ErrForbidden, scope)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func extractPrincipal(claims jwt.Claims) (domain.Principal, error) {
	mc, ok := claims.(jwt.MapClaims)
	if !ok {
		return domain.Principal{}, domain.ErrInvalidToken
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return domain.Principal{}, domain.ErrInvalidToken
	}

	ptype := domain.PrincipalUser
	if typeStr, ok := mc["type"].(string); ok && typeStr == "service" {
		ptype = domain.PrincipalService
	}

	var scopes []domain.Scope
	if scopeStr, ok := mc["scopes"].(string); ok && scopeStr != "" {
		fields := strings.Fields(scopeStr)
		scopes = make([]domain.Scope, len(fields))
		for i, s := range fields {
			scopes[i] = domain.Scope(s)
		}
	}

	return domain.Principal{
		ID:     sub,
		Type:   ptype,
		Scopes: scopes,
	}, nil
}
