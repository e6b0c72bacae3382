// Package auth implements the Auth Handler (spec.md §4.7): bearer JWT
// verification, role→permission extraction, and the AuthContext consumed by
// downstream components.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
)

// Claims is the gateway's expected JWT claim shape.
type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	SessionID   string   `json:"session_id"`
}

// AuthContext is produced on successful verification and passed to
// downstream components.
type AuthContext struct {
	Subject     string
	SessionID   string
	Roles       []string
	Permissions map[string]bool
}

// HasPermission reports whether the context grants a named permission.
func (a AuthContext) HasPermission(perm string) bool {
	return a.Permissions[perm]
}

// Handler verifies bearer tokens against a fixed HMAC-SHA256 secret and a
// static role→permission mapping.
type Handler struct {
	secret   []byte
	rolePerm map[string][]string
}

// NewHandler builds a handler with the given 256-bit secret and role table.
func NewHandler(secret []byte, roleToPermissions map[string][]string) *Handler {
	if roleToPermissions == nil {
		roleToPermissions = defaultRoleTable()
	}
	return &Handler{secret: secret, rolePerm: roleToPermissions}
}

// defaultRoleTable is the gateway's static role→permission mapping.
func defaultRoleTable() map[string][]string {
	return map[string][]string{
		"admin":  {"rpc.invoke", "rpc.admin", "mesh.peer"},
		"member": {"rpc.invoke"},
		"reader": {},
	}
}

// Authenticate extracts and verifies the bearer token from an HTTP request.
func (h *Handler) Authenticate(r *http.Request) (AuthContext, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return AuthContext{}, gwerrors.ErrMissingAuth
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return AuthContext{}, gwerrors.ErrMalformedAuth
	}
	raw := strings.TrimPrefix(header, prefix)
	return h.verify(raw)
}

func (h *Handler) verify(raw string) (AuthContext, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, gwerrors.ErrBadSignature
		}
		return h.secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return AuthContext{}, gwerrors.ErrAuthExpired
		}
		return AuthContext{}, gwerrors.ErrBadSignature
	}
	if !token.Valid {
		return AuthContext{}, gwerrors.ErrBadSignature
	}

	perms := map[string]bool{}
	for _, role := range claims.Roles {
		for _, p := range h.rolePerm[role] {
			perms[p] = true
		}
	}
	for _, p := range claims.Permissions {
		perms[p] = true
	}

	return AuthContext{
		Subject:     claims.Subject,
		SessionID:   claims.SessionID,
		Roles:       claims.Roles,
		Permissions: perms,
	}, nil
}

// RequirePermission wraps Authenticate with a permission check, returning
// the gateway's 401 vs 403 distinction: ErrInsufficientPerm maps to 403,
// every other auth error maps to 401 (spec.md §4.7).
func (h *Handler) RequirePermission(r *http.Request, perm string) (AuthContext, error) {
	ctx, err := h.Authenticate(r)
	if err != nil {
		return AuthContext{}, err
	}
	if perm != "" && !ctx.HasPermission(perm) {
		return AuthContext{}, gwerrors.ErrInsufficientPerm
	}
	return ctx, nil
}

// StatusFor maps an auth error to its HTTP status code.
func StatusFor(err error) int {
	if err == gwerrors.ErrInsufficientPerm {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
