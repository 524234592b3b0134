// Package runnertest provides stand-in tool binaries for adapter tests.
package runnertest

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
)

// FakeTool writes a shell script that prints stdout and exits with code,
// and returns its path.
func FakeTool(t testing.TB, name, stdout string, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\ncat <<'WEBPROBE_EOF'\n" + stdout + "\nWEBPROBE_EOF\nexit " + strconv.Itoa(code) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}
