package domain

import (
	"log/slog"
	"slices"
)

// Scope is an authorization scope carried in the "scopes" token claim.
type Scope string

// ScopeAdminDrain lets a principal ask the server to drain.
const ScopeAdminDrain Scope = "admin:drain"

// PrincipalType is the "type" token claim.
type PrincipalType int

const (
	PrincipalUnknown PrincipalType = iota
	PrincipalUser
	PrincipalService
)

func (pt PrincipalType) String() string {
	switch pt {
	case PrincipalUser:
		return "user"
	case PrincipalService:
		return "service"
	}
	return "unknown"
}

// Principal is the caller behind a validated bearer token.
type Principal struct {
	ID     string
	Type   PrincipalType
	Scopes []Scope
}

// HasScope reports whether s was granted.
func (p Principal) HasScope(s Scope) bool {
	return slices.Contains(p.Scopes, s)
}

// LogValue logs the principal as a group without its scopes.
func (p Principal) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("type", p.Type.String()),
	)
}

// TokenPair is what the identity service returns from POST /token.
type TokenPair struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}
