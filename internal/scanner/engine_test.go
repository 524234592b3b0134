package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/auth"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const testBase = "http://app.example.test/"

// siteFetcher serves a small static site. Paths listed in limited answer
// 429 the first time they are requested.
type siteFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	status  map[string]int
	limited map[string]bool
	fetched []types.HTTPRequest
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{
		pages: map[string]string{
			testBase:                        `<html><a href="/about">about</a><a href="/login">login</a></html>`,
			"http://app.example.test/about": `<html><p>about us</p></html>`,
			"http://app.example.test/login": `<html><form action="/login" method="post"><input type="password" name="pw"></form></html>`,
		},
		status:  map[string]int{},
		limited: map[string]bool{},
	}
}

func (f *siteFetcher) Fetch(ctx context.Context, req types.HTTPRequest) (*types.HTTPResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, req)

	if f.limited[req.URL] {
		delete(f.limited, req.URL)
		return &types.HTTPResponse{URL: req.URL, StatusCode: 429, ContentType: "text/plain"}, httpclient.ErrRateLimited
	}
	if code, ok := f.status[req.URL]; ok {
		return &types.HTTPResponse{URL: req.URL, StatusCode: code, ContentType: "text/plain"}, nil
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return &types.HTTPResponse{URL: req.URL, StatusCode: 404, ContentType: "text/plain"}, nil
	}
	return &types.HTTPResponse{URL: req.URL, StatusCode: 200, ContentType: "text/html", Body: []byte(body)}, nil
}

func (f *siteFetcher) requests() []types.HTTPRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.HTTPRequest(nil), f.fetched...)
}

// stubModule reports fixed findings or runs fn.
type stubModule struct {
	name     string
	findings []types.Finding
	err      error
	fn       func(ctx context.Context, crawl *web.Result) ([]types.Finding, error)
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Run(ctx context.Context, crawl *web.Result, sc *ScanContext) ([]types.Finding, error) {
	if m.fn != nil {
		return m.fn(ctx, crawl)
	}
	return m.findings, m.err
}

func testConfig() Config {
	return Config{
		Target:        scope.Target{BaseURL: testBase},
		MaxDepth:      2,
		MaxPages:      20,
		Concurrency:   2,
		ParseSitemaps: false,
		ShutdownGrace: time.Second,
	}
}

func newTestEngine(t *testing.T, cfg Config, fetcher *siteFetcher, modules ...TestModule) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, Dependencies{Fetcher: fetcher, Modules: modules})
	require.NoError(t, err)
	return e
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("scan did not finish, status %s", e.Status().Status)
	}
}

func TestEngineCompletesScan(t *testing.T) {
	var seen []string
	mod := &stubModule{name: "inspect", fn: func(ctx context.Context, crawl *web.Result) ([]types.Finding, error) {
		seen = crawl.SortedURLs()
		return []types.Finding{{
			Category: "auth",
			Severity: "HIGH",
			Title:    "Password form over http",
			Location: "http://app.example.test/login",
		}}, nil
	}}

	e := newTestEngine(t, testConfig(), newSiteFetcher(), mod)
	assert.Equal(t, types.ScanStatusInitializing, e.Status().Status)

	require.NoError(t, e.Run(context.Background()))

	status := e.Status()
	assert.Equal(t, types.ScanStatusCompleted, status.Status)
	assert.Equal(t, 100.0, status.Progress)
	assert.Equal(t, 3, status.PagesCrawled)
	assert.Empty(t, status.Errors)
	require.NotNil(t, status.StartedAt)
	require.NotNil(t, status.CompletedAt)
	assert.Contains(t, seen, "http://app.example.test/login")

	findings := e.Findings()
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "inspect", f.Module)
	assert.Equal(t, e.ID(), f.ScanID)
	assert.Equal(t, types.SeverityHigh, f.Severity)
	assert.NotEmpty(t, f.ID)
	assert.False(t, f.Timestamp.IsZero())

	res := e.Results()
	assert.Equal(t, 1, res.Summary.Total)
	assert.Equal(t, 1, res.Summary.BySeverity[types.SeverityHigh])
	assert.Len(t, res.Crawl.Forms, 1)
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 0
	cfg.Target.BaseURL = "ftp://nope"

	_, err := NewEngine(cfg, Dependencies{Fetcher: newSiteFetcher()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
	assert.Contains(t, err.Error(), "base url")
}

func TestEngineFailsOnAuthentication(t *testing.T) {
	fetcher := newSiteFetcher()
	fetcher.status["http://app.example.test/me"] = 401

	cfg := testConfig()
	cfg.Auth = &auth.Config{Type: "token", Token: "stale", VerifyURL: "http://app.example.test/me"}

	e := newTestEngine(t, cfg, fetcher)
	require.NoError(t, e.Run(context.Background()))

	status := e.Status()
	assert.Equal(t, types.ScanStatusFailed, status.Status)
	require.NotEmpty(t, status.Errors)
	assert.Contains(t, status.Errors[0], "authentication")
	assert.Zero(t, status.PagesCrawled)
}

func TestEngineAppliesSessionToRequests(t *testing.T) {
	fetcher := newSiteFetcher()
	cfg := testConfig()
	cfg.Auth = &auth.Config{Type: "token", Token: "s3cret"}
	cfg.Headers = map[string]string{"X-Scan": "webprobe"}

	e := newTestEngine(t, cfg, fetcher)
	require.NoError(t, e.Run(context.Background()))
	require.Equal(t, types.ScanStatusCompleted, e.Status().Status)

	reqs := fetcher.requests()
	require.NotEmpty(t, reqs)
	for _, r := range reqs {
		assert.Equal(t, "Bearer s3cret", r.Headers["Authorization"], r.URL)
		assert.Equal(t, "webprobe", r.Headers["X-Scan"], r.URL)
	}
}

func TestEngineModuleFailuresAreNotFatal(t *testing.T) {
	broken := &stubModule{name: "broken", err: errors.New("upstream exploded")}
	panicky := &stubModule{name: "panicky", fn: func(context.Context, *web.Result) ([]types.Finding, error) {
		panic("nil map")
	}}
	healthy := &stubModule{name: "healthy", findings: []types.Finding{
		{Category: "info", Severity: types.SeverityInfo, Title: "Banner", Location: testBase},
	}}

	e := newTestEngine(t, testConfig(), newSiteFetcher(), broken, panicky, healthy)
	require.NoError(t, e.Run(context.Background()))

	status := e.Status()
	assert.Equal(t, types.ScanStatusCompleted, status.Status)
	require.Len(t, status.Errors, 2)
	assert.Contains(t, status.Errors[0], "broken")
	assert.Contains(t, status.Errors[1], "panic")
	assert.Len(t, e.Findings(), 1)
}

func TestEngineDeduplicatesFindings(t *testing.T) {
	dup := types.Finding{ID: "fixed", Category: "xss", Severity: "medium", Title: "Reflected input", Location: testBase, Parameter: "q"}
	other := dup
	other.Parameter = "name"

	a := &stubModule{name: "a", findings: []types.Finding{dup, dup, other}}
	e := newTestEngine(t, testConfig(), newSiteFetcher(), a)
	require.NoError(t, e.Run(context.Background()))

	findings := e.Findings()
	require.Len(t, findings, 2)
	assert.Equal(t, "fixed", findings[0].ID)
	assert.NotEqual(t, findings[0].ID, findings[1].ID)
}

func TestEnginePauseAndResume(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	secondStarted := make(chan struct{})

	first := &stubModule{name: "first", fn: func(ctx context.Context, _ *web.Result) ([]types.Finding, error) {
		close(started)
		<-release
		return nil, nil
	}}
	second := &stubModule{name: "second", fn: func(ctx context.Context, _ *web.Result) ([]types.Finding, error) {
		close(secondStarted)
		return nil, nil
	}}

	e := newTestEngine(t, testConfig(), newSiteFetcher(), first, second)
	require.NoError(t, e.Start(context.Background()))

	<-started
	require.NoError(t, e.Pause())
	assert.Equal(t, types.ScanStatusPaused, e.Status().Status)
	assert.ErrorIs(t, e.Pause(), ErrInvalidTransition)
	close(release)

	select {
	case <-secondStarted:
		t.Fatal("module dispatched while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, e.Resume())
	waitDone(t, e)
	<-secondStarted
	assert.Equal(t, types.ScanStatusCompleted, e.Status().Status)
	assert.ErrorIs(t, e.Resume(), ErrInvalidTransition)
}

func TestEngineStop(t *testing.T) {
	started := make(chan struct{})
	blocking := &stubModule{name: "blocking", fn: func(ctx context.Context, _ *web.Result) ([]types.Finding, error) {
		close(started)
		<-ctx.Done()
		return []types.Finding{{Category: "late", Title: "after stop", Location: testBase}}, ctx.Err()
	}}

	e := newTestEngine(t, testConfig(), newSiteFetcher(), blocking)
	require.NoError(t, e.Start(context.Background()))
	<-started

	require.NoError(t, e.Stop())
	waitDone(t, e)

	status := e.Status()
	assert.Equal(t, types.ScanStatusStopped, status.Status)
	assert.Empty(t, status.Errors)
	assert.Less(t, status.Progress, 100.0)
	assert.ErrorIs(t, e.Stop(), ErrInvalidTransition)
}

func TestEngineStopBeforeStart(t *testing.T) {
	e := newTestEngine(t, testConfig(), newSiteFetcher())
	require.NoError(t, e.Stop())

	waitDone(t, e)
	assert.Equal(t, types.ScanStatusStopped, e.Status().Status)
	assert.ErrorIs(t, e.Start(context.Background()), ErrInvalidTransition)
}

func TestEngineMaxScanDuration(t *testing.T) {
	slow := &stubModule{name: "slow", fn: func(ctx context.Context, _ *web.Result) ([]types.Finding, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	cfg := testConfig()
	cfg.MaxScanDuration = 100 * time.Millisecond
	e := newTestEngine(t, cfg, newSiteFetcher(), slow)
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	status := e.Status()
	assert.Equal(t, types.ScanStatusStopped, status.Status)
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "max duration")
}

func TestEngineBacksOffOnRateLimit(t *testing.T) {
	fetcher := newSiteFetcher()
	fetcher.limited["http://app.example.test/about"] = true

	cfg := testConfig()
	cfg.RequestDelay = 100 * time.Millisecond
	cfg.Jitter = 0
	cfg.Concurrency = 1

	e := newTestEngine(t, cfg, fetcher)
	require.NoError(t, e.Run(context.Background()))

	status := e.Status()
	assert.Equal(t, types.ScanStatusCompleted, status.Status)
	assert.Equal(t, 200*time.Millisecond, status.RequestDelay)
	assert.Equal(t, 1, status.Backoffs)
	assert.Equal(t, 3, status.PagesCrawled)

	var aboutHits int
	for _, r := range fetcher.requests() {
		if r.URL == "http://app.example.test/about" {
			aboutHits++
		}
	}
	assert.Equal(t, 2, aboutHits)
}

func TestEngineProgressIsMonotonic(t *testing.T) {
	var (
		mu      sync.Mutex
		history []Status
	)
	onChange := func(s Status) {
		mu.Lock()
		history = append(history, s)
		mu.Unlock()
	}

	modules := []TestModule{&stubModule{name: "one"}, &stubModule{name: "two"}, &stubModule{name: "three"}}
	e, err := NewEngine(testConfig(), Dependencies{Fetcher: newSiteFetcher(), Modules: modules, OnChange: onChange})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, history)

	var (
		last       float64
		sawTesting bool
	)
	for _, s := range history {
		assert.GreaterOrEqual(t, s.Progress, last)
		last = s.Progress
		if s.Progress > discoveryShare && s.Progress < 100 {
			sawTesting = true
		}
	}
	assert.True(t, sawTesting, "expected intermediate testing progress")
	assert.Equal(t, 100.0, last)
	assert.Equal(t, types.ScanStatusCompleted, history[len(history)-1].Status)
}

func TestEngineFailsOnOutOfScopeStart(t *testing.T) {
	cfg := testConfig()
	cfg.Target.Exclusions = []string{testBase}

	e := newTestEngine(t, cfg, newSiteFetcher())
	require.NoError(t, e.Run(context.Background()))

	status := e.Status()
	assert.Equal(t, types.ScanStatusFailed, status.Status)
	require.NotEmpty(t, status.Errors)
	assert.True(t, strings.HasPrefix(status.Errors[0], "discovery"))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.ScanStatus
		want     bool
	}{
		{types.ScanStatusInitializing, types.ScanStatusRunning, true},
		{types.ScanStatusRunning, types.ScanStatusPaused, true},
		{types.ScanStatusPaused, types.ScanStatusRunning, true},
		{types.ScanStatusRunning, types.ScanStatusFinalizing, true},
		{types.ScanStatusFinalizing, types.ScanStatusCompleted, true},
		{types.ScanStatusStopping, types.ScanStatusStopped, true},
		{types.ScanStatusCompleted, types.ScanStatusRunning, false},
		{types.ScanStatusStopped, types.ScanStatusRunning, false},
		{types.ScanStatusFailed, types.ScanStatusRunning, false},
		{types.ScanStatusPaused, types.ScanStatusCompleted, false},
		{types.ScanStatusInitializing, types.ScanStatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}
