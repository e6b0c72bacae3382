package tlsmgr

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBootstrapsCAAndLeafCerts(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir, []string{"mesh-1.internal"})
	require.NoError(t, err)

	sc := mgr.ServerConfig()
	require.Len(t, sc.Certificates, 1)
	require.NotNil(t, sc.ClientCAs)

	cc := mgr.ClientConfig()
	require.Len(t, cc.Certificates, 1)
	require.NotNil(t, cc.RootCAs)
}

func TestNewIsIdempotentAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir, []string{"mesh-1.internal"})
	require.NoError(t, err)

	second, err := New(dir, []string{"mesh-1.internal"})
	require.NoError(t, err)

	require.Equal(t, first.server.cert.SerialNumber, second.server.cert.SerialNumber)
	require.Equal(t, first.ca.cert.SerialNumber, second.ca.cert.SerialNumber)
}

func TestFingerprintIsStableForTheSameCertificate(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir, []string{"mesh-1.internal"})
	require.NoError(t, err)

	f1 := Fingerprint(mgr.server.cert)
	f2 := Fingerprint(mgr.server.cert)
	require.Equal(t, f1, f2)
	require.NotEqual(t, f1, Fingerprint(mgr.ca.cert))
}

func TestCacheOCSPRoundTrips(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir, []string{"mesh-1.internal"})
	require.NoError(t, err)

	_, ok := mgr.CachedOCSP(mgr.server.cert)
	require.False(t, ok)

	mgr.CacheOCSP(mgr.server.cert, []byte("ocsp-response-bytes"))
	resp, ok := mgr.CachedOCSP(mgr.server.cert)
	require.True(t, ok)
	require.Equal(t, []byte("ocsp-response-bytes"), resp)
}

func TestNeedsReissueFlagsCertsWithinReissueWindow(t *testing.T) {
	fresh := &x509.Certificate{NotAfter: time.Now().Add(90 * 24 * time.Hour)}
	require.False(t, NeedsReissue(fresh))

	expiringSoon := &x509.Certificate{NotAfter: time.Now().Add(10 * 24 * time.Hour)}
	require.True(t, NeedsReissue(expiringSoon))
}

func TestReissueServerRotatesSerialNumber(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir, []string{"mesh-1.internal"})
	require.NoError(t, err)

	before := mgr.server.cert.SerialNumber
	require.NoError(t, mgr.ReissueServer())
	require.NotEqual(t, before, mgr.server.cert.SerialNumber)
}
