package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

type namedAdapter string

func (n namedAdapter) Name() string { return string(n) }

func (n namedAdapter) Execute(context.Context, map[string]interface{}) (*types.ToolResult, error) {
	return &types.ToolResult{Status: types.ToolResultSuccess}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(namedAdapter("zeta")))
	require.NoError(t, reg.Register(namedAdapter("alpha")))

	err := reg.Register(namedAdapter("alpha"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, reg.Register(namedAdapter("")))

	a, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", a.Name())

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrAdapterNotFound)

	assert.Equal(t, []string{"alpha", "zeta"}, reg.List())
}

func TestRegisterDefaults(t *testing.T) {
	cfg := config.DefaultConfig()

	reg := NewRegistry()
	require.NoError(t, RegisterDefaults(reg, cfg.Tools, cfg.Scan, nil, logger.NewNop()))
	assert.Equal(t, []string{"command", "httpx", "nuclei"}, reg.List())

	manager := scanner.NewManager(nil, nil, scanner.Dependencies{})
	withCrawl := NewRegistry()
	require.NoError(t, RegisterDefaults(withCrawl, cfg.Tools, cfg.Scan, manager, logger.NewNop()))
	assert.Equal(t, []string{"command", "crawl", "httpx", "nuclei"}, withCrawl.List())

	assert.Error(t, RegisterDefaults(withCrawl, cfg.Tools, cfg.Scan, manager, logger.NewNop()))
}
