// Package tlsmgr implements the TLS Manager (spec.md §4.5): a self-bootstrapped
// CA, server and client leaf certificates, OCSP caching, and periodic
// rotation. Material is persisted to a state directory with 0600 permissions
// per spec.md §6.
package tlsmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/sweetmcp/gateway/pkg/log"
)

const reissueWithin = 30 * 24 * time.Hour

// Manager owns the CA and the two leaf certificates (server, client-mTLS)
// and their OCSP caches.
type Manager struct {
	dir       string
	hostnames []string

	mu         sync.RWMutex
	ca         *certAndKey
	server     *certAndKey
	client     *certAndKey
	ocspCache  map[string][]byte // keyed by certificate fingerprint digest
}

type certAndKey struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	raw  []byte // DER
}

// New loads existing CA/leaf material from dir, generating whatever is
// missing. A filesystem that cannot be read or written is fatal at startup
// per spec.md §4.5.
func New(dir string, hostnames []string) (*Manager, error) {
	m := &Manager{
		dir:       dir,
		hostnames: hostnames,
		ocspCache: make(map[string][]byte),
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tlsmgr: create state dir: %w", err)
	}
	if err := m.loadOrBootstrapCA(); err != nil {
		return nil, fmt.Errorf("tlsmgr: bootstrap CA: %w", err)
	}
	if err := m.loadOrIssueLeaf("server", &m.server, x509.ExtKeyUsageServerAuth); err != nil {
		return nil, fmt.Errorf("tlsmgr: issue server cert: %w", err)
	}
	if err := m.loadOrIssueLeaf("client", &m.client, x509.ExtKeyUsageClientAuth); err != nil {
		return nil, fmt.Errorf("tlsmgr: issue client cert: %w", err)
	}
	return m, nil
}

func (m *Manager) path(name string) string { return filepath.Join(m.dir, name) }

func (m *Manager) loadOrBootstrapCA() error {
	certPath, keyPath := m.path("ca.crt"), m.path("ca.key")
	if fileExists(certPath) && fileExists(keyPath) {
		ck, err := loadCertAndKey(certPath, keyPath)
		if err != nil {
			return err
		}
		m.ca = ck
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := randSerial()
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "sweetmcp-mesh-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	if err := persist(certPath, keyPath, der, key); err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	m.ca = &certAndKey{cert: cert, key: key, raw: der}
	return nil
}

func (m *Manager) loadOrIssueLeaf(name string, slot **certAndKey, usage x509.ExtKeyUsage) error {
	certPath, keyPath := m.path(name+".crt"), m.path(name+".key")
	if fileExists(certPath) && fileExists(keyPath) {
		ck, err := loadCertAndKey(certPath, keyPath)
		if err == nil {
			*slot = ck
			return nil
		}
		log.Warnf("tlsmgr: failed to parse existing %s cert, reissuing: %v", name, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := randSerial()
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "sweetmcp-" + name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	for _, h := range m.hostnames {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.ca.cert, &key.PublicKey, m.ca.key)
	if err != nil {
		return err
	}
	if err := persist(certPath, keyPath, der, key); err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	*slot = &certAndKey{cert: cert, key: key, raw: der}
	return nil
}

// ServerConfig returns the tls.Config for inbound connections.
func (m *Manager) ServerConfig() *tls.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool := x509.NewCertPool()
	pool.AddCert(m.ca.cert)
	return &tls.Config{
		Certificates: []tls.Certificate{serverTLSCert(m.server)},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns the tls.Config used for mesh-internal mTLS dials.
func (m *Manager) ClientConfig() *tls.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool := x509.NewCertPool()
	pool.AddCert(m.ca.cert)
	return &tls.Config{
		Certificates: []tls.Certificate{serverTLSCert(m.client)},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}
}

func serverTLSCert(ck *certAndKey) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{ck.raw},
		PrivateKey:  ck.key,
		Leaf:        ck.cert,
	}
}

// Fingerprint returns the OCI-style content digest used to key OCSP cache
// entries for a leaf certificate.
func Fingerprint(cert *x509.Certificate) string {
	return digest.FromBytes(cert.Raw).String()
}

// CacheOCSP stores a raw OCSP response for a certificate, keyed by its
// fingerprint. This package does not fetch OCSP responses itself; it only
// caches what a caller hands it.
func (m *Manager) CacheOCSP(cert *x509.Certificate, resp []byte) {
	m.mu.Lock()
	m.ocspCache[Fingerprint(cert)] = resp
	m.mu.Unlock()
}

// CachedOCSP returns a previously cached OCSP response, if any.
func (m *Manager) CachedOCSP(cert *x509.Certificate) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.ocspCache[Fingerprint(cert)]
	return resp, ok
}

// NeedsReissue reports whether a leaf certificate expires within the
// re-issuance window (30 days), checked by an hourly periodic task.
func NeedsReissue(cert *x509.Certificate) bool {
	return time.Until(cert.NotAfter) <= reissueWithin
}

// ReissueServer and ReissueClient force regeneration of a leaf, e.g. when
// NeedsReissue reports true on the hourly check.
func (m *Manager) ReissueServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadOrIssueLeafLocked("server", &m.server, x509.ExtKeyUsageServerAuth, true)
}

func (m *Manager) ReissueClient() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadOrIssueLeafLocked("client", &m.client, x509.ExtKeyUsageClientAuth, true)
}

func (m *Manager) loadOrIssueLeafLocked(name string, slot **certAndKey, usage x509.ExtKeyUsage, force bool) error {
	if force {
		_ = os.Remove(m.path(name + ".crt"))
		_ = os.Remove(m.path(name + ".key"))
	}
	return m.loadOrIssueLeaf(name, slot, usage)
}

func randSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, max)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func persist(certPath, keyPath string, der []byte, key *ecdsa.PrivateKey) error {
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certOut, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", certPath, err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyOut, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}
	return nil
}

func loadCertAndKey(certPath, keyPath string) (*certAndKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &certAndKey{cert: cert, key: key, raw: certBlock.Bytes}, nil
}
