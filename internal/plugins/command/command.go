// Package command runs an arbitrary executable as a workflow task.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/runner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// Adapter options:
//
//	command  executable name or path (required)
//	args     argument list; "{target}" is replaced with the target
//	target   substituted into args
//	parse    "jsonl" to read each stdout line as a finding
type Adapter struct {
	logger *logger.Logger
}

func New(log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Adapter{logger: log.WithComponent("command")}
}

func (a *Adapter) Name() string { return "command" }

func (a *Adapter) Execute(ctx context.Context, options map[string]interface{}) (*types.ToolResult, error) {
	opts := runner.Options(options)
	binary := opts.String("command", "")
	if binary == "" {
		return nil, fmt.Errorf("option %q is required", "command")
	}
	target := opts.String("target", "")
	args := runner.Substitute(opts.Strings("args"), target)
	started := time.Now().UTC()

	res, err := runner.Run(ctx, a.logger, binary, args)
	if err != nil {
		var raw []byte
		if res != nil {
			raw = res.Stdout
		}
		return runner.Failed(started, err, raw), nil
	}

	result := &types.ToolResult{
		Status:    types.ToolResultSuccess,
		RawOutput: runner.Truncate(string(res.Stdout), 64*1024),
		StartedAt: started,
	}
	if opts.String("parse", "") == "jsonl" {
		skipped, err := runner.EachLine(bytes.NewReader(res.Stdout), func(line []byte) error {
			var f types.Finding
			if err := json.Unmarshal(line, &f); err != nil {
				return err
			}
			f.Adapter = a.Name()
			f.Severity = types.ParseSeverity(string(f.Severity))
			if f.Location == "" {
				f.Location = target
			}
			result.Findings = append(result.Findings, f)
			return nil
		})
		if err != nil {
			return runner.Failed(started, err, res.Stdout), nil
		}
		if skipped > 0 {
			a.logger.Warnw("Skipped lines that are not findings", "command", binary, "count", skipped)
		}
	}

	path, err := runner.SaveOutput("command", res.Stdout)
	if err != nil {
		return nil, err
	}
	result.ResultFiles = []string{path}
	result.FinishedAt = time.Now().UTC()
	return result, nil
}
