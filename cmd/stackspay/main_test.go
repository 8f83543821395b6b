package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/wallet"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

// newTestApp isolates HOME so no user config or wallet is picked up.
func newTestApp(t *testing.T) (*app, *bytes.Buffer, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	out := &bytes.Buffer{}
	return &app{stdout: out, stderr: out}, out, home
}

func TestUsageListsCommands(t *testing.T) {
	a, out, _ := newTestApp(t)
	require.NoError(t, a.run(context.Background(), nil))
	for _, name := range []string{"facilitator", "serve", "vault", "split", "agent", "proxy", "mcp", "pay", "negotiate", "history", "wallet"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestUnknownCommand(t *testing.T) {
	a, _, _ := newTestApp(t)
	err := a.run(context.Background(), []string{"launch"})
	require.Error(t, err)
	assert.Equal(t, x402.KindConfiguration, x402.KindOf(err))
}

func TestHelpFlagIsNotAnError(t *testing.T) {
	a, _, _ := newTestApp(t)
	assert.NoError(t, a.run(context.Background(), []string{"serve", "--help"}))
}

func TestConfigInit(t *testing.T) {
	a, out, home := newTestApp(t)
	require.NoError(t, a.run(context.Background(), []string{"config", "init"}))

	path := filepath.Join(home, ".stackspay", "config.yaml")
	assert.FileExists(t, path)
	assert.Contains(t, out.String(), path)

	err := a.run(context.Background(), []string{"config", "init"})
	assert.Equal(t, x402.KindConfiguration, x402.KindOf(err))
}

func TestWalletImport(t *testing.T) {
	a, out, home := newTestApp(t)
	require.NoError(t, a.run(context.Background(), []string{"wallet", "import", testKey}))

	w, err := wallet.Load(filepath.Join(home, ".stackspay", "wallet.json"))
	require.NoError(t, err)
	assert.Equal(t, "testnet", w.Network)
	assert.Contains(t, out.String(), w.Address)

	err = a.run(context.Background(), []string{"wallet", "import", testKey})
	require.Error(t, err, "existing wallet must not be replaced without --force")
	require.NoError(t, a.run(context.Background(), []string{"wallet", "import", testKey, "--force", "--network", "mainnet"}))
	w, err = wallet.Load(filepath.Join(home, ".stackspay", "wallet.json"))
	require.NoError(t, err)
	assert.Equal(t, "mainnet", w.Network)
}

func TestWalletImportFromEnv(t *testing.T) {
	a, _, home := newTestApp(t)
	t.Setenv(privateKeyEnv, testKey)
	require.NoError(t, a.run(context.Background(), []string{"wallet", "import", "--buyer"}))
	_, err := os.Stat(filepath.Join(home, ".stackspay", "buyer-wallet.json"))
	assert.NoError(t, err)
}

func TestServeValidatesBeforeListening(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing command", []string{"serve", "--price", "0.001"}},
		{"bad token", []string{"serve", "--cmd", "echo hi", "--token", "DOGE"}},
		{"bad price", []string{"serve", "--cmd", "echo hi", "--price", "free"}},
		{"proxy without target", []string{"proxy", "--price", "0.01"}},
		{"no wallet", []string{"serve", "--cmd", "echo hi"}},
		{"unknown flag", []string{"serve", "--colour", "red"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := newTestApp(t)
			err := a.run(context.Background(), tt.args)
			require.Error(t, err)
			assert.Equal(t, x402.KindConfiguration, x402.KindOf(err))
		})
	}
}

func TestPrintResponse(t *testing.T) {
	var out bytes.Buffer
	printResponse(&out, []byte(`{"success":true,"output":"hello"}`), false)
	assert.Equal(t, "hello\n", out.String())

	out.Reset()
	printResponse(&out, []byte(`{"success":false,"error":"boom"}`), false)
	assert.Equal(t, "error: boom\n", out.String())

	out.Reset()
	printResponse(&out, []byte(`{"output":"x"}`), true)
	assert.Equal(t, "{\"output\":\"x\"}\n", out.String())
}
