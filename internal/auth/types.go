package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSecret           = errors.New("jwt secret not configured")
)

// Roles carried by admin tokens. Operators may trigger restarts; viewers may
// only read status and deployment history.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Token represents a signed JWT.
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is what the middleware stores in the request context.
type Result struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// HasRole reports whether the result carries role. Operators implicitly hold
// the viewer role.
func (r *Result) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role || (have == RoleOperator && role == RoleViewer) {
			return true
		}
	}
	return false
}
