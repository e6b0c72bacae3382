package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
	"github.com/sweetmcp/gateway/pkg/pluginhost"
)

func TestRootCommandWiresServeSubcommand(t *testing.T) {
	cmd := rootCommand()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.Equal(t, "serve", serve.Name())

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
}

func TestLoadPluginsToleratesMissingDir(t *testing.T) {
	host := pluginhost.New(context.Background(), pluginhost.Config{CallTimeout: 0, MaxFaults: 3})
	err := loadPlugins(context.Background(), host, filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
}

func TestLoadPluginsSkipsNonWasmFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a plugin"), 0o600))

	host := pluginhost.New(context.Background(), pluginhost.Config{CallTimeout: 0, MaxFaults: 3})
	err := loadPlugins(context.Background(), host, dir)
	require.NoError(t, err)

	_, err = host.Dispatch(context.Background(), "README", nil)
	require.Error(t, err, "non-wasm files must never be registered as plugins")
}

func TestLoadPluginsWrapsRegisterErrorWithFilename(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.wasm"), []byte("not a real wasm module"), 0o600))

	host := pluginhost.New(context.Background(), pluginhost.Config{CallTimeout: 0, MaxFaults: 3})
	err := loadPlugins(context.Background(), host, dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken.wasm")
}

func TestWriteErrorMapsJSONRPCCodesToHTTPStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"parse error", gwerrors.User(gwerrors.CodeParseError, "bad body"), 400},
		{"invalid request", gwerrors.User(gwerrors.CodeInvalidRequest, "bad shape"), 400},
		{"rate limited", gwerrors.User(gwerrors.CodeRateLimited, "slow down"), 429},
		{"forbidden", gwerrors.User(gwerrors.CodeForbidden, "nope"), 403},
		{"internal", gwerrors.Internal("boom", nil), 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Contains(t, body, "error")
		})
	}
}
