package command

import (
	"context"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

func TestExecuteSubstitutesTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	res, err := New(nil).Execute(context.Background(), map[string]interface{}{
		"command": "sh",
		"args":    []interface{}{"-c", "echo scanning $0", "{target}"},
		"target":  "example.com",
	})
	require.NoError(t, err)
	require.Equal(t, types.ToolResultSuccess, res.Status)
	assert.Equal(t, "scanning example.com\n", res.RawOutput)

	require.Len(t, res.ResultFiles, 1)
	defer os.Remove(res.ResultFiles[0])
	data, err := os.ReadFile(res.ResultFiles[0])
	require.NoError(t, err)
	assert.Equal(t, res.RawOutput, string(data))
}

func TestExecuteParsesJSONLFindings(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := `printf '%s\n' '{"title":"Open redirect","severity":"HIGH","category":"redirect"}' 'progress 50%' '{"title":"Banner","location":"https://x.example/"}'`
	res, err := New(nil).Execute(context.Background(), map[string]interface{}{
		"command": "sh",
		"args":    []string{"-c", script},
		"target":  "https://example.com",
		"parse":   "jsonl",
	})
	require.NoError(t, err)
	for _, f := range res.ResultFiles {
		defer os.Remove(f)
	}
	require.Len(t, res.Findings, 2)

	assert.Equal(t, "command", res.Findings[0].Adapter)
	assert.Equal(t, types.SeverityHigh, res.Findings[0].Severity)
	assert.Equal(t, "https://example.com", res.Findings[0].Location)
	assert.Equal(t, types.SeverityUnknown, res.Findings[1].Severity)
	assert.Equal(t, "https://x.example/", res.Findings[1].Location)
}

func TestExecuteFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	res, err := New(nil).Execute(context.Background(), map[string]interface{}{
		"command": "sh",
		"args":    []string{"-c", "exit 4"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ToolResultFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "code 4")
}

func TestExecuteRequiresCommand(t *testing.T) {
	_, err := New(nil).Execute(context.Background(), map[string]interface{}{"target": "x"})
	assert.Error(t, err)
}
