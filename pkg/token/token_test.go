package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	plaintext := []byte("peer-mesh-membership")
	tok, err := m.Encrypt(plaintext)
	require.NoError(t, err)

	got, err := m.Decrypt(tok)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptExpiresAfter48h(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	base := time.Now()
	m.SetClock(func() time.Time { return base })

	tok, err := m.Encrypt([]byte("hello"))
	require.NoError(t, err)

	m.SetClock(func() time.Time { return base.Add(48*time.Hour + time.Second) })
	_, err = m.Decrypt(tok)
	require.ErrorIs(t, err, gwerrors.ErrExpired)
}

func TestRotateSurvivesGraceWindow(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	base := time.Now()
	m.SetClock(func() time.Time { return base })

	tok, err := m.Encrypt([]byte("pre-rotate"))
	require.NoError(t, err)

	require.NoError(t, m.Rotate())

	m.SetClock(func() time.Time { return base.Add(23 * time.Hour) })
	got, err := m.Decrypt(tok)
	require.NoError(t, err)
	require.Equal(t, []byte("pre-rotate"), got)

	m.SetClock(func() time.Time { return base.Add(25 * time.Hour) })
	_, err = m.Decrypt(tok)
	require.Error(t, err)
}

func TestRevokedNonceFails(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	tok, err := m.Encrypt([]byte("x"))
	require.NoError(t, err)

	m.Revoke(tok.Nonce)
	_, err = m.Decrypt(tok)
	require.ErrorIs(t, err, gwerrors.ErrRevoked)
}
