package nuclei

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/runner"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/runner/runnertest"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const sampleOutput = `{"template-id":"git-config","info":{"name":"Git Config Disclosure","severity":"medium","tags":["exposure","git"],"classification":{"cwe-id":["cwe-200"],"cvss-score":5.3}},"type":"http","host":"https://shop.example.com","matched-at":"https://shop.example.com/.git/config","timestamp":"2024-05-01T10:00:00Z"}
not-json
{"template-id":"tech-detect","info":{"name":"Nginx detected","severity":"INFO","tags":["tech"]},"type":"http","host":"https://shop.example.com","matched-at":"","extracted-results":["nginx/1.25"]}`

func TestExecuteParsesFindings(t *testing.T) {
	bin := runnertest.FakeTool(t, "nuclei", sampleOutput, 0)
	a := New(Config{BinaryPath: bin}, logger.NewNop())

	res, err := a.Execute(context.Background(), map[string]interface{}{"target": "https://shop.example.com"})
	require.NoError(t, err)
	require.Equal(t, types.ToolResultSuccess, res.Status, res.ErrorMessage)
	require.Len(t, res.Findings, 2)

	git := res.Findings[0]
	assert.Equal(t, "nuclei", git.Adapter)
	assert.Equal(t, "information_disclosure", git.Category)
	assert.Equal(t, types.SeverityMedium, git.Severity)
	assert.Equal(t, 200, git.CWEID)
	assert.Equal(t, 5.3, git.CVSSScore)
	assert.Equal(t, "https://shop.example.com/.git/config", git.Location)

	tech := res.Findings[1]
	assert.Equal(t, types.SeverityInfo, tech.Severity)
	assert.Equal(t, "https://shop.example.com", tech.Location)
	assert.Equal(t, []string{"nginx/1.25"}, tech.Metadata["extracted_results"])

	require.Len(t, res.ResultFiles, 1)
	defer os.Remove(res.ResultFiles[0])
	assert.FileExists(t, res.ResultFiles[0])
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestExecuteToleratesMatchExitCode(t *testing.T) {
	bin := runnertest.FakeTool(t, "nuclei", "", 1)
	res, err := New(Config{BinaryPath: bin}, nil).Execute(context.Background(), map[string]interface{}{"target": "https://x.example"})
	require.NoError(t, err)
	assert.Equal(t, types.ToolResultSuccess, res.Status)
	assert.Empty(t, res.Findings)
	for _, f := range res.ResultFiles {
		os.Remove(f)
	}
}

func TestExecuteReportsToolFailure(t *testing.T) {
	bin := runnertest.FakeTool(t, "nuclei", "[FTL] could not read templates", 2)
	res, err := New(Config{BinaryPath: bin}, nil).Execute(context.Background(), map[string]interface{}{"target": "https://x.example"})
	require.NoError(t, err)
	assert.Equal(t, types.ToolResultFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "code 2")
	assert.Contains(t, res.RawOutput, "could not read templates")
}

func TestExecuteRequiresTarget(t *testing.T) {
	_, err := New(Config{}, nil).Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}

func TestBuildArgs(t *testing.T) {
	a := New(Config{TemplatesPath: "/tpl"}, nil)
	args := a.buildArgs("https://x.example", runner.Options{
		"tags":    []interface{}{"cve", "xss"},
		"proxy":   "http://127.0.0.1:8080",
		"headers": map[string]interface{}{"Cookie": "a=b"},
	})

	assert.Contains(t, args, "-jsonl")
	assert.Subset(t, args, []string{"-tags", "cve,xss", "-t", "/tpl", "-proxy", "http://127.0.0.1:8080", "-H", "Cookie: a=b"})
}
