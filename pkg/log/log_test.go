package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	code := m.Run()
	SetLogWriter(os.Stderr) // restore the default for any other package's tests
	os.Exit(code)
}

func TestLogfPrefixesLevelAndAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriter(&buf)

	Logf("peer %s joined", "peer-1")
	require.Equal(t, "[INFO] peer peer-1 joined\n", buf.String())
}

func TestWarnfAndErrorfUseDistinctLevels(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriter(&buf)

	Warnf("retrying")
	Errorf("gave up")

	require.Equal(t, "[WARN] retrying\n[ERROR] gave up\n", buf.String())
}

func TestSetLogWriterIgnoresNil(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriter(&buf)
	SetLogWriter(nil)

	Logf("still routed to buf")
	require.Contains(t, buf.String(), "still routed to buf")
}
