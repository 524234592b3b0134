// Package runner holds what the external-tool adapters share: option
// decoding, process execution with stderr logging, JSONL parsing and
// result files.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var ErrBinaryNotFound = errors.New("tool binary not found")

const maxLineSize = 4 << 20

// Result is one finished process.
type Result struct {
	Stdout   []byte
	ExitCode int
	Duration time.Duration
}

// Run executes binary with args. Exit codes listed in okCodes, plus zero,
// count as success; any other exit is an error carrying the code.
func Run(ctx context.Context, log *logger.Logger, binary string, args []string, okCodes ...int) (*Result, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
	}

	log.Debugw("Running external tool", "binary", path, "args", args)
	start := time.Now()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debugw("tool stderr", "binary", binary, "output", scanner.Text())
		}
	}()
	<-drained

	res := &Result{Duration: time.Since(start)}
	waitErr := cmd.Wait()
	res.Stdout = stdout.Bytes()
	if waitErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		for _, ok := range okCodes {
			if res.ExitCode == ok {
				return res, nil
			}
		}
		return res, fmt.Errorf("%s exited with code %d", binary, res.ExitCode)
	}
	return res, fmt.Errorf("%s failed: %w", binary, waitErr)
}

// EachLine calls fn for every non-empty line of r. Lines fn rejects are
// counted and skipped.
func EachLine(r io.Reader, fn func(line []byte) error) (skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			skipped++
		}
	}
	return skipped, scanner.Err()
}

// SaveOutput writes data to a new temp file named after the tool and
// returns its path.
func SaveOutput(tool string, data []byte) (string, error) {
	f, err := os.CreateTemp("", tool+"_*.out")
	if err != nil {
		return "", fmt.Errorf("create result file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write result file: %w", err)
	}
	return f.Name(), nil
}

// Failed builds the envelope for a tool that ran and reported failure.
func Failed(started time.Time, err error, raw []byte) *types.ToolResult {
	return &types.ToolResult{
		Status:       types.ToolResultFailed,
		ErrorMessage: err.Error(),
		RawOutput:    Truncate(string(raw), 64*1024),
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
}

func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Substitute replaces {target} in every argument.
func Substitute(args []string, target string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{target}", target)
	}
	return out
}
