package httpx

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/runner/runnertest"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const sampleOutput = `{"url":"https://shop.example.com","host":"shop.example.com","status_code":200,"title":"Shop","webserver":"nginx","tech":["Nginx","React"],"content_type":"text/html"}
{"url":"https://admin.example.com","failed":true}
{"url":"https://api.example.com","status_code":401,"cdn":true,"cdn_name":"cloudflare"}`

func TestExecuteReportsLiveEndpoints(t *testing.T) {
	bin := runnertest.FakeTool(t, "httpx", sampleOutput, 0)
	a := New(Config{BinaryPath: bin}, logger.NewNop())

	res, err := a.Execute(context.Background(), map[string]interface{}{"target": "example.com", "paths": "/,/graphql"})
	require.NoError(t, err)
	require.Equal(t, types.ToolResultSuccess, res.Status, res.ErrorMessage)
	for _, f := range res.ResultFiles {
		defer os.Remove(f)
	}
	require.Len(t, res.Findings, 2)

	shop := res.Findings[0]
	assert.Equal(t, "httpx", shop.Adapter)
	assert.Equal(t, types.SeverityInfo, shop.Severity)
	assert.Equal(t, "Live endpoint: Shop (200)", shop.Title)
	assert.Contains(t, shop.Evidence, "tech: Nginx, React")

	api := res.Findings[1]
	assert.Equal(t, "Live endpoint (401)", api.Title)
	assert.Contains(t, api.Evidence, "cdn: cloudflare")
}

func TestExecuteMissingBinary(t *testing.T) {
	a := New(Config{BinaryPath: "webprobe-missing-httpx"}, nil)
	res, err := a.Execute(context.Background(), map[string]interface{}{"target": "example.com"})
	require.NoError(t, err)
	assert.Equal(t, types.ToolResultFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "not found")
}
