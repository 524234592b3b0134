// Package crawl exposes the discovery crawler as a workflow task.
package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/runner"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// Adapter runs a discovery-only scan through the scan manager. Options:
// target (required), scope, exclusions, max_depth, max_pages,
// concurrency, stealth_level, allow_private.
type Adapter struct {
	manager  *scanner.Manager
	defaults config.ScanConfig
}

func New(manager *scanner.Manager, defaults config.ScanConfig) *Adapter {
	return &Adapter{manager: manager, defaults: defaults}
}

func (a *Adapter) Name() string { return "crawl" }

func (a *Adapter) Execute(ctx context.Context, options map[string]interface{}) (*types.ToolResult, error) {
	opts := runner.Options(options)
	target, err := opts.Target()
	if err != nil {
		return nil, err
	}
	started := time.Now().UTC()

	cfg := scanner.NewConfig(a.defaults, scope.Target{
		BaseURL:    target,
		Scope:      opts.Strings("scope"),
		Exclusions: opts.Strings("exclusions"),
	})
	cfg.DiscoveryOnly = true
	cfg.Modules = nil
	cfg.MaxDepth = opts.Int("max_depth", cfg.MaxDepth)
	cfg.MaxPages = opts.Int("max_pages", cfg.MaxPages)
	cfg.Concurrency = opts.Int("concurrency", cfg.Concurrency)
	cfg.StealthLevel = opts.String("stealth_level", cfg.StealthLevel)
	cfg.AllowPrivate = opts.Bool("allow_private", cfg.AllowPrivate)

	engine, err := a.manager.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("create crawl: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	select {
	case <-engine.Done():
	case <-ctx.Done():
		_ = engine.Stop()
		<-engine.Done()
	}

	res := engine.Results()
	if res.Status.Status != types.ScanStatusCompleted {
		msg := fmt.Sprintf("crawl ended %s", res.Status.Status)
		if n := len(res.Status.Errors); n > 0 {
			msg += ": " + res.Status.Errors[n-1]
		}
		return &types.ToolResult{
			Status:       types.ToolResultFailed,
			Findings:     artifacts(res.Crawl, target),
			ErrorMessage: msg,
			StartedAt:    started,
			FinishedAt:   time.Now().UTC(),
		}, nil
	}
	return &types.ToolResult{
		Status:     types.ToolResultSuccess,
		Findings:   artifacts(res.Crawl, target),
		RawOutput:  fmt.Sprintf("scan %s crawled %d pages", res.Status.ScanID, res.Status.PagesCrawled),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}, nil
}

// artifacts turns the crawl into info findings so downstream tasks and
// reports see what was discovered.
func artifacts(crawl *web.Result, target string) []types.Finding {
	var out []types.Finding
	for _, f := range crawl.Forms {
		out = append(out, types.Finding{
			Adapter:  "crawl",
			Category: "form",
			Severity: types.SeverityInfo,
			Title:    fmt.Sprintf("%s form (%s)", f.Purpose, f.Method),
			Location: f.Action,
			Metadata: map[string]interface{}{"page": f.Page, "inputs": len(f.Inputs), "has_csrf": f.HasCSRF},
		})
	}
	for _, ep := range crawl.Endpoints {
		out = append(out, types.Finding{
			Adapter:  "crawl",
			Category: "endpoint",
			Severity: types.SeverityInfo,
			Title:    fmt.Sprintf("%s endpoint", ep.Kind),
			Location: ep.URL,
			Metadata: map[string]interface{}{"source": ep.Source, "page": ep.Page},
		})
	}
	for _, tech := range crawl.Technologies {
		title := tech.Name
		if tech.Version != "" {
			title += " " + tech.Version
		}
		out = append(out, types.Finding{
			Adapter:   "crawl",
			Category:  "technology",
			Severity:  types.SeverityInfo,
			Title:     title,
			Location:  target,
			Parameter: tech.Category,
		})
	}
	return out
}
