// Package token implements the discovery-token Token Manager (spec.md §4.1):
// authenticated encryption of short-lived mesh-membership tokens with rolling
// keypairs and a bounded revocation set. Encryption uses ChaCha20-Poly1305,
// the AEAD primitive already reachable through the teacher's indirect
// golang.org/x/crypto dependency.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
)

const (
	nonceSize   = chacha20poly1305.NonceSize // 12 bytes
	maxValidity = 48 * time.Hour
	rotateEvery = 24 * time.Hour
	graceWindow = 24 * time.Hour
)

// Keypair is a single symmetric key with an opaque identifier.
type Keypair struct {
	KeyID      string
	Key        [chacha20poly1305.KeySize]byte
	GeneratedAt time.Time
}

// Token is the immutable, wire-serializable encrypted discovery token.
type Token struct {
	Ciphertext []byte
	Nonce      [nonceSize]byte
	KeyID      string
	CreatedAt  int64 // unix seconds
}

// Manager owns all keypairs exclusively (spec.md "Ownership summary") and
// exposes encrypt/decrypt/rotate/revoke. Keypairs are protected by a single
// read-write lock with write-rare/read-many semantics (spec.md §5); the
// revocation set gets its own lock since it is mutated on every revoke and
// read on every decrypt.
type Manager struct {
	mu         sync.RWMutex
	current    Keypair
	previous   *Keypair
	rotatedAt  time.Time // when `previous` was demoted from current

	revMu      sync.Mutex
	revoked    map[[nonceSize]byte]time.Time // nonce -> recorded-at, for GC

	now func() time.Time
}

// NewManager generates an initial current keypair and starts with no
// previous key and an empty revocation set.
func NewManager() (*Manager, error) {
	kp, err := generateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate initial keypair: %w", err)
	}
	return &Manager{
		current: kp,
		revoked: make(map[[nonceSize]byte]time.Time),
		now:     time.Now,
	}, nil
}

func generateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := rand.Read(kp.Key[:]); err != nil {
		return Keypair{}, err
	}
	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return Keypair{}, err
	}
	kp.KeyID = fmt.Sprintf("%x", idBuf)
	kp.GeneratedAt = time.Now()
	return kp, nil
}

func associatedData(keyID string, createdAt int64) []byte {
	ad := make([]byte, 0, len(keyID)+8)
	ad = append(ad, []byte(keyID)...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(createdAt))
	return append(ad, b[:]...)
}

// Encrypt always uses the current key.
func (m *Manager) Encrypt(plaintext []byte) (Token, error) {
	m.mu.RLock()
	kp := m.current
	m.mu.RUnlock()

	aead, err := chacha20poly1305.New(kp.Key[:])
	if err != nil {
		return Token{}, gwerrors.Internal("create aead", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Token{}, gwerrors.Internal("generate nonce", err)
	}

	createdAt := m.now().Unix()
	ct := aead.Seal(nil, nonce[:], plaintext, associatedData(kp.KeyID, createdAt))

	return Token{
		Ciphertext: ct,
		Nonce:      nonce,
		KeyID:      kp.KeyID,
		CreatedAt:  createdAt,
	}, nil
}

// Decrypt validates expiry and revocation, then tries current then previous.
func (m *Manager) Decrypt(t Token) ([]byte, error) {
	if m.now().Sub(time.Unix(t.CreatedAt, 0)) > maxValidity {
		return nil, gwerrors.ErrExpired
	}

	m.revMu.Lock()
	_, revoked := m.revoked[t.Nonce]
	m.revMu.Unlock()
	if revoked {
		return nil, gwerrors.ErrRevoked
	}

	m.mu.RLock()
	current := m.current
	previous := m.previous
	rotatedAt := m.rotatedAt
	m.mu.RUnlock()

	candidates := []Keypair{current}
	if previous != nil && m.now().Sub(rotatedAt) <= graceWindow {
		candidates = append(candidates, *previous)
	}

	var lastErr error
	for _, kp := range candidates {
		if kp.KeyID != t.KeyID {
			continue
		}
		aead, err := chacha20poly1305.New(kp.Key[:])
		if err != nil {
			lastErr = err
			continue
		}
		pt, err := aead.Open(nil, t.Nonce[:], t.Ciphertext, associatedData(kp.KeyID, t.CreatedAt))
		if err != nil {
			lastErr = err
			continue
		}
		return pt, nil
	}
	if lastErr == nil {
		return nil, gwerrors.ErrUnknownKeyID
	}
	return nil, gwerrors.ErrInvalidToken
}

// Rotate atomically moves current -> previous and generates a fresh current.
// Per spec.md §5 ordering guarantee (d), the new key is published before the
// old one is archived, so there is never a window with zero valid keys: the
// swap below assigns the new current first, then demotes the old current to
// previous, all while holding the write lock so no reader observes either
// key briefly missing.
func (m *Manager) Rotate() error {
	kp, err := generateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair for rotation: %w", err)
	}

	m.mu.Lock()
	oldCurrent := m.current
	m.current = kp
	m.previous = &oldCurrent
	m.rotatedAt = m.now()
	m.mu.Unlock()
	return nil
}

// Revoke adds a nonce to the revocation set.
func (m *Manager) Revoke(nonce [nonceSize]byte) {
	m.revMu.Lock()
	m.revoked[nonce] = m.now()
	m.revMu.Unlock()
}

// GC drops revocation entries older than maxValidity; called periodically.
func (m *Manager) GC() {
	cutoff := m.now().Add(-maxValidity)
	m.revMu.Lock()
	defer m.revMu.Unlock()
	for nonce, recordedAt := range m.revoked {
		if recordedAt.Before(cutoff) {
			delete(m.revoked, nonce)
		}
	}
}

// RotateEvery and GraceWindow are exported for the periodic rotator task
// started by the gateway's runtime wiring.
func RotateEvery() time.Duration { return rotateEvery }
func GraceWindow() time.Duration { return graceWindow }

// SetClock overrides the manager's time source; used by tests to simulate
// rotation and expiry without sleeping.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}
