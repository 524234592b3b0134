// Package workflow schedules adapter tasks as a dependency graph.
package workflow

import (
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrAdapterNotFound   = errors.New("adapter not found")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrWorkflowImmutable = errors.New("workflow no longer accepts changes")
	ErrNotPending        = errors.New("workflow is not pending")
	ErrTaskNotFound      = errors.New("task not found")
)

// Task is one adapter invocation inside a workflow.
type Task struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	Adapter   string                 `json:"adapter"`
	Options   map[string]interface{} `json:"options,omitempty"`
	DependsOn []string               `json:"depends_on"`
	Status    types.TaskStatus       `json:"status"`
	Result    *types.ToolResult      `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	StartTime *time.Time             `json:"start_time,omitempty"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
}

func (t *Task) clone() Task {
	out := *t
	out.Options = make(map[string]interface{}, len(t.Options))
	for k, v := range t.Options {
		out.Options[k] = v
	}
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.Result = t.Result.Clone()
	if t.StartTime != nil {
		ts := *t.StartTime
		out.StartTime = &ts
	}
	if t.EndTime != nil {
		ts := *t.EndTime
		out.EndTime = &ts
	}
	return out
}

// Workflow is a copy of a workflow's state. Mutating it has no effect on
// the orchestrator.
type Workflow struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Target      string               `json:"target"`
	Tags        []string             `json:"tags,omitempty"`
	Status      types.WorkflowStatus `json:"status"`
	Tasks       []Task               `json:"tasks"`
	// Blocked lists pending tasks that can no longer run because a
	// dependency failed, was cancelled or is itself blocked.
	Blocked   []string   `json:"blocked,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// Task returns the task with the given id.
func (w *Workflow) Task(id string) (Task, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// FindingFilter selects and pages workflow findings. Page is 1-based.
type FindingFilter struct {
	Severity types.Severity `form:"severity" json:"severity,omitempty"`
	Adapter  string         `form:"adapter" json:"adapter,omitempty"`
	Page     int            `form:"page" json:"page,omitempty"`
	PageSize int            `form:"page_size" json:"page_size,omitempty"`
}

type FindingsPage struct {
	Findings []types.Finding `json:"findings"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (f FindingFilter) normalize() FindingFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f FindingFilter) matches(finding types.Finding) bool {
	if f.Severity != "" && finding.Severity != types.ParseSeverity(string(f.Severity)) {
		return false
	}
	if f.Adapter != "" && finding.Adapter != f.Adapter {
		return false
	}
	return true
}
