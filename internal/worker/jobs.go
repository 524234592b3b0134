package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/workflow"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const (
	JobTypeScan     = "scan"
	JobTypeWorkflow = "workflow"
)

// Handler runs one job to completion. A returned error fails the job.
type Handler func(ctx context.Context, job *types.Job) error

// ScanPayload is the body of a scan job. Zero fields keep the process
// defaults.
type ScanPayload struct {
	Target       scope.Target `json:"target"`
	Modules      []string     `json:"modules,omitempty"`
	MaxDepth     int          `json:"max_depth,omitempty"`
	MaxPages     int          `json:"max_pages,omitempty"`
	Concurrency  int          `json:"concurrency,omitempty"`
	StealthLevel string       `json:"stealth_level,omitempty"`
}

// WorkflowPayload is the body of a workflow job. Exactly one of Builtin
// and Definition is set.
type WorkflowPayload struct {
	Builtin    string               `json:"builtin,omitempty"`
	Definition *workflow.Definition `json:"definition,omitempty"`
	Target     string               `json:"target,omitempty"`
}

// NewJob encodes payload into a job of the given type.
func NewJob(jobType string, payload interface{}, priority int) (*types.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}
	return &types.Job{Type: jobType, Payload: data, Priority: priority}, nil
}

// ScanHandler starts the job's scan on manager and waits for it to end.
// Failed scans fail the job; stopped scans do not.
func ScanHandler(manager *scanner.Manager, defaults config.ScanConfig) Handler {
	return func(ctx context.Context, job *types.Job) error {
		var p ScanPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("invalid scan payload: %w", err)
		}
		cfg := scanner.NewConfig(defaults, p.Target)
		if len(p.Modules) > 0 {
			cfg.Modules = p.Modules
		}
		if p.MaxDepth > 0 {
			cfg.MaxDepth = p.MaxDepth
		}
		if p.MaxPages > 0 {
			cfg.MaxPages = p.MaxPages
		}
		if p.Concurrency > 0 {
			cfg.Concurrency = p.Concurrency
		}
		if p.StealthLevel != "" {
			cfg.StealthLevel = p.StealthLevel
		}

		engine, err := manager.Create(cfg)
		if err != nil {
			return err
		}
		if err := engine.Start(ctx); err != nil {
			return err
		}
		select {
		case <-engine.Done():
		case <-ctx.Done():
			_ = engine.Stop()
			<-engine.Done()
		}

		status := engine.Status()
		if status.Status == types.ScanStatusFailed {
			reason := "scan failed"
			if n := len(status.Errors); n > 0 {
				reason = status.Errors[n-1]
			}
			return fmt.Errorf("scan %s: %s", status.ScanID, reason)
		}
		return nil
	}
}

// WorkflowHandler runs the job's workflow on orch and waits for it to end.
func WorkflowHandler(orch *workflow.Orchestrator) Handler {
	return func(ctx context.Context, job *types.Job) error {
		var p WorkflowPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("invalid workflow payload: %w", err)
		}
		def := p.Definition
		if p.Builtin != "" {
			builtin, ok := workflow.Builtin()[p.Builtin]
			if !ok {
				return fmt.Errorf("unknown builtin workflow %q", p.Builtin)
			}
			def = builtin
		}
		if def == nil {
			return errors.New("workflow payload has neither builtin nor definition")
		}
		if p.Target != "" {
			def.Target = p.Target
		}

		wf, err := orch.Apply(def)
		if err != nil {
			return err
		}
		if err := orch.ExecuteWorkflow(wf.ID); err != nil {
			return err
		}
		final, err := orch.Wait(ctx, wf.ID)
		if err != nil {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = orch.CancelWorkflow(wf.ID)
			_, _ = orch.Wait(cancelCtx, wf.ID)
			return err
		}
		if final.Status == types.WorkflowStatusFailed {
			return fmt.Errorf("workflow %s failed, blocked tasks: %v", final.ID, final.Blocked)
		}
		return nil
	}
}
