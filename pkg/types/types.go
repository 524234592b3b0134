package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/twmb/murmur3"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity maps free-form severity text onto the closed set.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational", "information":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// Rank orders severities from most (5) to least (0) severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

type Confidence string

const (
	ConfidenceCertain   Confidence = "certain"
	ConfidenceFirm      Confidence = "firm"
	ConfidenceTentative Confidence = "tentative"
)

type ScanStatus string

const (
	ScanStatusInitializing ScanStatus = "initializing"
	ScanStatusRunning      ScanStatus = "running"
	ScanStatusPaused       ScanStatus = "paused"
	ScanStatusStopping     ScanStatus = "stopping"
	ScanStatusStopped      ScanStatus = "stopped"
	ScanStatusFinalizing   ScanStatus = "finalizing"
	ScanStatusCompleted    ScanStatus = "completed"
	ScanStatusFailed       ScanStatus = "failed"
)

func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusStopped
}

type Finding struct {
	ID          string                 `json:"id" db:"id"`
	ScanID      string                 `json:"scan_id,omitempty" db:"scan_id"`
	Module      string                 `json:"module" db:"module"`
	Adapter     string                 `json:"adapter,omitempty" db:"adapter"`
	TaskID      string                 `json:"task_id,omitempty" db:"task_id"`
	Category    string                 `json:"category" db:"category"`
	Severity    Severity               `json:"severity" db:"severity"`
	Confidence  Confidence             `json:"confidence" db:"confidence"`
	Title       string                 `json:"title" db:"title"`
	Description string                 `json:"description,omitempty" db:"description"`
	Location    string                 `json:"location" db:"location"`
	Parameter   string                 `json:"parameter,omitempty" db:"parameter"`
	Evidence    string                 `json:"evidence,omitempty" db:"evidence"`
	Remediation string                 `json:"remediation,omitempty" db:"remediation"`
	References  []string               `json:"references,omitempty"`
	CWEID       int                    `json:"cwe_id,omitempty" db:"cwe_id"`
	CVSSScore   float64                `json:"cvss_score,omitempty" db:"cvss_score"`
	Request     *HTTPSnapshot          `json:"request,omitempty"`
	Response    *HTTPSnapshot          `json:"response,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp" db:"timestamp"`
}

// Clone returns a copy that shares no mutable state with f.
func (f Finding) Clone() Finding {
	out := f
	if f.References != nil {
		out.References = append([]string(nil), f.References...)
	}
	out.Request = f.Request.clone()
	out.Response = f.Response.clone()
	if f.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Fingerprint identifies a finding independent of its id and timestamp.
// Two reports of the same issue by the same producer share a fingerprint.
func (f Finding) Fingerprint() uint64 {
	key := strings.Join([]string{f.Module, f.Adapter, f.Category, f.Location, f.Parameter, f.Title}, "|")
	return murmur3.Sum64([]byte(key))
}

// Summary aggregates findings by severity and producer.
type Summary struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByModule   map[string]int   `json:"by_module"`
}

func Summarize(findings []Finding) Summary {
	s := Summary{
		Total:      len(findings),
		BySeverity: make(map[Severity]int),
		ByModule:   make(map[string]int),
	}
	for _, f := range findings {
		s.BySeverity[f.Severity]++
		producer := f.Module
		if f.Adapter != "" {
			producer = f.Adapter
		}
		s.ByModule[producer]++
	}
	return s
}

type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultFailed  ToolResultStatus = "failed"
)

// ToolResult is the envelope every workflow adapter returns.
type ToolResult struct {
	Status       ToolResultStatus `json:"status"`
	Findings     []Finding        `json:"parsed_findings"`
	RawOutput    string           `json:"raw_output,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ResultFiles  []string         `json:"result_files,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
}

func (r *ToolResult) Clone() *ToolResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Findings = make([]Finding, len(r.Findings))
	for i, f := range r.Findings {
		out.Findings[i] = f.Clone()
	}
	out.ResultFiles = append([]string(nil), r.ResultFiles...)
	return &out
}

type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ScanRecord is the persisted form of a scan.
type ScanRecord struct {
	ID           string          `json:"id" db:"id"`
	Target       string          `json:"target" db:"target"`
	Status       ScanStatus      `json:"status" db:"status"`
	Progress     float64         `json:"progress" db:"progress"`
	Config       json.RawMessage `json:"config,omitempty" db:"config"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// WorkflowRecord is the persisted form of a workflow snapshot.
type WorkflowRecord struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Target    string          `json:"target" db:"target"`
	Status    WorkflowStatus  `json:"status" db:"status"`
	Document  json.RawMessage `json:"document" db:"document"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a queued unit of background work. Payload holds the
// JSON-encoded scan request.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    JobStatus       `json:"status"`
	Priority  int             `json:"priority"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type WorkerStatus struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Status       string    `json:"status"`
	CurrentJob   string    `json:"current_job,omitempty"`
	JobsComplete int       `json:"jobs_complete"`
	LastPing     time.Time `json:"last_ping"`
}
