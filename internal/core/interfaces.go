package core

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// Fetcher performs one HTTP exchange. A 429 response is returned together
// with an error matching httpclient.ErrRateLimited.
type Fetcher interface {
	Fetch(ctx context.Context, req types.HTTPRequest) (*types.HTTPResponse, error)
}

// Adapter wraps one external tool behind a uniform contract. Failures the
// tool reports belong in ToolResult; a returned error means the adapter
// itself could not run.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, options map[string]interface{}) (*types.ToolResult, error)
}

type AdapterRegistry interface {
	Register(adapter Adapter) error
	Get(name string) (Adapter, error)
	List() []string
}

type JobQueue interface {
	Push(ctx context.Context, job *types.Job) error
	Pop(ctx context.Context, workerID string) (*types.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	GetStatus(ctx context.Context, jobID string) (*types.Job, error)
	Close() error
}

type ResultStore interface {
	SaveScan(ctx context.Context, scan *types.ScanRecord) error
	GetScan(ctx context.Context, scanID string) (*types.ScanRecord, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]*types.ScanRecord, error)

	SaveFindings(ctx context.Context, findings []types.Finding) error
	GetFindings(ctx context.Context, scanID string) ([]types.Finding, error)
	QueryFindings(ctx context.Context, query FindingQuery) ([]types.Finding, error)

	SaveWorkflow(ctx context.Context, wf *types.WorkflowRecord) error
	GetWorkflow(ctx context.Context, workflowID string) (*types.WorkflowRecord, error)

	Close() error
}

type ScanFilter struct {
	Target string
	Status types.ScanStatus
	Limit  int
	Offset int
}

type FindingQuery struct {
	ScanID   string
	Module   string
	Category string
	Severity string
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}

type Telemetry interface {
	RecordScan(status types.ScanStatus, duration float64)
	RecordFinding(severity types.Severity)
	RecordTask(adapter string, status types.TaskStatus, duration float64)
	RecordWorkerMetrics(status *types.WorkerStatus)
	Close() error
}
