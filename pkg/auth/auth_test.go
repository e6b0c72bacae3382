package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestAuthenticateSuccess(t *testing.T) {
	h := NewHandler([]byte(testSecret), nil)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        "jti-1",
		},
		Roles:     []string{"member"},
		SessionID: "sess-1",
	}
	tok := signToken(t, claims)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	ctx, err := h.Authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "user-1", ctx.Subject)
	require.True(t, ctx.HasPermission("rpc.invoke"))
	require.False(t, ctx.HasPermission("rpc.admin"))
}

func TestAuthenticateMissingHeader(t *testing.T) {
	h := NewHandler([]byte(testSecret), nil)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	_, err := h.Authenticate(req)
	require.Error(t, err)
}

func TestAuthenticateExpired(t *testing.T) {
	h := NewHandler([]byte(testSecret), nil)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tok := signToken(t, claims)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, err := h.Authenticate(req)
	require.Error(t, err)
}

func TestRequirePermissionForbidden(t *testing.T) {
	h := NewHandler([]byte(testSecret), nil)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"reader"},
	}
	tok := signToken(t, claims)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, err := h.RequirePermission(req, "rpc.invoke")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, StatusFor(err))
}
