package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

func newScanTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cfg = config.DefaultConfig()
	log = logger.NewNop()

	c := &cobra.Command{Use: "scan"}
	addScanFlags(c)
	require.NoError(t, c.Flags().Parse(args))
	return c
}

func TestScanConfigFromFlagsAppliesOverrides(t *testing.T) {
	scopeFile := filepath.Join(t.TempDir(), "program.scope")
	require.NoError(t, os.WriteFile(scopeFile, []byte("*.example.com\n[out-of-scope]\nhttps://app.example.com/logout\n"), 0o600))

	c := newScanTestCommand(t,
		"--depth", "0",
		"--max-pages", "25",
		"--stealth", "medium",
		"--header", "X-Bug-Bounty: researcher-1",
		"--scope-file", scopeFile,
		"--modules", "missing_csrf",
		"--insecure",
	)
	sc, err := scanConfigFromFlags(c, "app.example.com")
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com", sc.Target.BaseURL)
	assert.Equal(t, []string{"*.example.com"}, sc.Target.Scope)
	assert.Equal(t, []string{"https://app.example.com/logout"}, sc.Target.Exclusions)
	assert.Equal(t, 0, sc.MaxDepth)
	assert.Equal(t, 25, sc.MaxPages)
	assert.Equal(t, "medium", sc.StealthLevel)
	assert.Equal(t, []string{"missing_csrf"}, sc.Modules)
	assert.Equal(t, "researcher-1", sc.Headers["X-Bug-Bounty"])
	assert.False(t, sc.VerifyTLS)
	assert.Nil(t, sc.Auth)
}

func TestScanConfigFromFlagsKeepsDefaults(t *testing.T) {
	c := newScanTestCommand(t)
	sc, err := scanConfigFromFlags(c, "https://app.example.com")
	require.NoError(t, err)

	assert.Equal(t, cfg.Scan.MaxDepth, sc.MaxDepth)
	assert.Equal(t, cfg.Scan.MaxPages, sc.MaxPages)
	assert.Equal(t, cfg.Scan.Jitter, sc.Jitter)
	assert.Equal(t, cfg.Scan.Modules, sc.Modules)
	assert.True(t, sc.VerifyTLS)
}

func TestScanConfigFromFlagsAuth(t *testing.T) {
	c := newScanTestCommand(t, "--auth-type", "token", "--auth-token", "s3cret")
	sc, err := scanConfigFromFlags(c, "https://app.example.com")
	require.NoError(t, err)
	require.NotNil(t, sc.Auth)
	assert.Equal(t, "token", sc.Auth.Type)
	assert.Equal(t, "s3cret", sc.Auth.Token)
}

func TestScanConfigFromFlagsRejectsBadInput(t *testing.T) {
	_, err := scanConfigFromFlags(newScanTestCommand(t, "--header", "no-colon"), "https://app.example.com")
	assert.ErrorContains(t, err, "invalid header")

	_, err = scanConfigFromFlags(newScanTestCommand(t, "--stealth", "ninja"), "https://app.example.com")
	assert.Error(t, err)

	_, err = scanConfigFromFlags(newScanTestCommand(t), "ftp://example.com")
	assert.Error(t, err)
}
