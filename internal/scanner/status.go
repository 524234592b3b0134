package scanner

import (
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// Status is a point-in-time view of a scan.
type Status struct {
	ScanID       string           `json:"scan_id"`
	Target       string           `json:"target"`
	Status       types.ScanStatus `json:"status"`
	Progress     float64          `json:"progress"`
	PagesCrawled int              `json:"pages_crawled"`
	URLsQueued   int              `json:"urls_queued"`
	Findings     int              `json:"findings"`
	ActiveModule string           `json:"active_module,omitempty"`
	RequestDelay time.Duration    `json:"request_delay"`
	Backoffs     int              `json:"backoffs"`
	Errors       []string         `json:"errors,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Results bundles the findings and crawl artifacts of a scan. It is a copy
// and stays valid after the scan moves on.
type Results struct {
	Status   Status          `json:"status"`
	Findings []types.Finding `json:"findings"`
	Summary  types.Summary   `json:"summary"`
	Crawl    *web.Result     `json:"crawl"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	s := Status{
		ScanID:       e.config.ID,
		Target:       e.config.Target.BaseURL,
		Status:       e.status,
		Progress:     e.progress,
		PagesCrawled: e.crawled,
		URLsQueued:   e.queued,
		Findings:     len(e.findings),
		ActiveModule: e.activeModule,
		RequestDelay: e.controller.BaseDelay(),
		Backoffs:     e.controller.Backoffs(),
		Errors:       append([]string(nil), e.errs...),
		CreatedAt:    e.createdAt,
	}
	if !e.startedAt.IsZero() {
		t := e.startedAt
		s.StartedAt = &t
	}
	if !e.completedAt.IsZero() {
		t := e.completedAt
		s.CompletedAt = &t
	}
	return s
}

// Findings returns a copy of the findings gathered so far.
func (e *Engine) Findings() []types.Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Finding, len(e.findings))
	for i, f := range e.findings {
		out[i] = f.Clone()
	}
	return out
}

func (e *Engine) Results() *Results {
	e.mu.RLock()
	status := e.statusLocked()
	crawl := e.crawl
	e.mu.RUnlock()

	findings := e.Findings()
	return &Results{
		Status:   status,
		Findings: findings,
		Summary:  types.Summarize(findings),
		Crawl:    crawl.Snapshot(),
	}
}

// Record converts the scan into its persisted form.
func (s Status) Record(config []byte) *types.ScanRecord {
	rec := &types.ScanRecord{
		ID:          s.ScanID,
		Target:      s.Target,
		Status:      s.Status,
		Progress:    s.Progress,
		Config:      config,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
	if len(s.Errors) > 0 {
		rec.ErrorMessage = s.Errors[len(s.Errors)-1]
	}
	return rec
}
