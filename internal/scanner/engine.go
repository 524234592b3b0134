package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/auth"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/techstack"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var (
	ErrScanNotFound      = errors.New("scan not found")
	ErrInvalidTransition = errors.New("invalid scan state transition")
)

// Progress budget: discovery fills the first quarter, modules share the rest.
const (
	discoveryShare = 25.0
	testingShare   = 75.0
)

var transitions = map[types.ScanStatus][]types.ScanStatus{
	types.ScanStatusInitializing: {types.ScanStatusRunning, types.ScanStatusStopped, types.ScanStatusFailed},
	types.ScanStatusRunning:      {types.ScanStatusPaused, types.ScanStatusStopping, types.ScanStatusFinalizing, types.ScanStatusFailed},
	types.ScanStatusPaused:       {types.ScanStatusRunning, types.ScanStatusStopping, types.ScanStatusFailed},
	types.ScanStatusStopping:     {types.ScanStatusStopped, types.ScanStatusFailed},
	types.ScanStatusFinalizing:   {types.ScanStatusCompleted, types.ScanStatusFailed},
}

func canTransition(from, to types.ScanStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dependencies are the collaborators an Engine is built from. Zero values
// fall back to a transport built from the scan config, no modules, the
// default auth strategies and a silent logger.
type Dependencies struct {
	Fetcher       core.Fetcher
	Modules       []TestModule
	Auth          *auth.Registry
	Fingerprinter *techstack.Fingerprinter
	Logger        *logger.Logger
	Telemetry     core.Telemetry
	// OnChange is called after every status or progress change, outside the
	// engine's lock.
	OnChange func(Status)
}

// Engine runs one scan through its lifecycle.
type Engine struct {
	config        Config
	modules       []TestModule
	auth          *auth.Registry
	fingerprinter *techstack.Fingerprinter
	matcher       *scope.Matcher
	controller    *ratelimit.Controller
	fetcher       *pacedFetcher
	logger        *logger.Logger
	telemetry     core.Telemetry
	onChange      func(Status)

	mu           sync.RWMutex
	status       types.ScanStatus
	progress     float64
	queued       int
	crawled      int
	findings     []types.Finding
	seen         map[uint64]struct{}
	ids          map[string]struct{}
	errs         []string
	activeModule string
	createdAt    time.Time
	startedAt    time.Time
	completedAt  time.Time
	pauseCh      chan struct{}
	cancel       context.CancelFunc
	crawl        *web.Result

	doneOnce sync.Once
	done     chan struct{}
}

func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scan config: %w", err)
	}
	matcher, err := scope.NewMatcher(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid scan target: %w", err)
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("scanner").WithScanID(cfg.ID).WithTarget(cfg.Target.BaseURL)

	ctrlCfg := cfg.controllerConfig()
	inner := deps.Fetcher
	if inner == nil {
		client, err := httpclient.New(httpclient.SecureClientConfig{
			Timeout:            cfg.Timeout,
			EnableSSRF:         !cfg.AllowPrivate,
			FollowRedirects:    true,
			MaxRedirects:       10,
			InsecureSkipVerify: !cfg.VerifyTLS,
			ProxyURL:           cfg.Proxy,
			DisableKeepAlives:  ctrlCfg.DisableKeepAlives,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("build http client: %w", err)
		}
		inner = client
	}
	registry := deps.Auth
	if registry == nil {
		registry = auth.DefaultRegistry()
	}

	controller := ratelimit.NewController(ctrlCfg)
	return &Engine{
		config:        cfg,
		modules:       deps.Modules,
		auth:          registry,
		fingerprinter: deps.Fingerprinter,
		matcher:       matcher,
		controller:    controller,
		fetcher:       newPacedFetcher(inner, controller, cfg, log),
		logger:        log,
		telemetry:     deps.Telemetry,
		onChange:      deps.OnChange,
		status:        types.ScanStatusInitializing,
		seen:          make(map[uint64]struct{}),
		ids:           make(map[string]struct{}),
		createdAt:     time.Now().UTC(),
		crawl:         web.NewResult(),
		done:          make(chan struct{}),
	}, nil
}

func (e *Engine) ID() string { return e.config.ID }

func (e *Engine) Config() Config { return e.config }

// Done is closed once the scan reaches a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start runs the scan in the background and returns once it is running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != types.ScanStatusInitializing {
		status := e.status
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot start scan in %s state", ErrInvalidTransition, status)
	}
	runCtx, cancel := context.WithCancel(ctx)
	if e.config.MaxScanDuration > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, e.config.MaxScanDuration)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}
	e.cancel = cancel
	e.status = types.ScanStatusRunning
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()
	e.changed()

	go e.run(runCtx)
	return nil
}

// Run starts the scan and blocks until it reaches a terminal state.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-e.done
	return nil
}

func (e *Engine) run(ctx context.Context) {
	start := time.Now()
	ctx, span := e.logger.StartOperation(ctx, "scan.run",
		"max_depth", e.config.MaxDepth,
		"max_pages", e.config.MaxPages,
		"modules", e.config.Modules)
	defer func() {
		e.cancelRun()
		status := e.Status()
		var err error
		if status.Status == types.ScanStatusFailed {
			err = errors.New(strings.Join(status.Errors, "; "))
		}
		e.logger.FinishOperation(ctx, span, "scan.run", start, err,
			"status", status.Status,
			"pages_crawled", status.PagesCrawled,
			"findings", status.Findings)
		if e.telemetry != nil {
			e.telemetry.RecordScan(status.Status, time.Since(start).Seconds())
		}
		e.closeDone()
	}()

	if e.config.Auth != nil && e.config.Auth.Type != "" {
		session, err := e.auth.Authenticate(ctx, *e.config.Auth, e.fetcher)
		if err != nil {
			if e.interrupted(ctx) {
				e.finishStopped(ctx)
				return
			}
			e.fail(fmt.Errorf("authentication (%s): %w", e.config.Auth.Type, err))
			return
		}
		e.fetcher.setSession(session)
		e.logger.Infow("Authenticated", "strategy", session.Strategy, "cookies", len(session.Cookies))
	}

	if err := e.phase(ctx, "discovery", e.discover); err != nil {
		e.fail(err)
		return
	}
	if e.interrupted(ctx) {
		e.finishStopped(ctx)
		return
	}

	if !e.config.DiscoveryOnly {
		if err := e.phase(ctx, "testing", e.test); err != nil {
			e.fail(err)
			return
		}
		if e.interrupted(ctx) {
			e.finishStopped(ctx)
			return
		}
	}

	for !e.transition(types.ScanStatusFinalizing) {
		if e.Status().Status != types.ScanStatusPaused {
			e.finishStopped(ctx)
			return
		}
		if err := e.WaitWhilePaused(ctx); err != nil {
			e.finishStopped(ctx)
			return
		}
	}
	e.setProgress(100)
	e.transition(types.ScanStatusCompleted)
	e.logger.Infow("Scan completed", "findings", len(e.Findings()), "duration", time.Since(start).String())
}

// phase runs fn and waits for it. Once ctx is cancelled fn gets the grace
// period to unwind before it is abandoned.
func (e *Engine) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.LogPanic(ctx, r, "scan."+name)
				errCh <- fmt.Errorf("%s phase panicked: %v", name, r)
			}
		}()
		errCh <- fn(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timer := time.NewTimer(e.config.shutdownGrace())
	defer timer.Stop()
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return err
	case <-timer.C:
		e.logger.Warnw("Phase did not unwind within grace period, abandoning it",
			"phase", name, "grace", e.config.shutdownGrace().String())
		return nil
	}
}

func (e *Engine) discover(ctx context.Context) error {
	opts := []web.Option{web.WithSignals(e), web.WithRecorder(e)}
	if e.fingerprinter != nil {
		opts = append(opts, web.WithFingerprinter(e.fingerprinter))
	}
	crawler := web.New(web.Config{
		MaxDepth:      e.config.MaxDepth,
		MaxPages:      e.config.MaxPages,
		Concurrency:   e.config.Concurrency,
		FollowRobots:  e.config.FollowRobots,
		ParseSitemaps: e.config.ParseSitemaps,
	}, e.fetcher, e.matcher, e.logger, opts...)

	e.mu.Lock()
	e.crawl = crawler.Result()
	e.mu.Unlock()

	if _, err := crawler.Crawl(ctx, e.config.Target.BaseURL); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	e.setProgress(discoveryShare)
	return nil
}

func (e *Engine) test(ctx context.Context) error {
	if len(e.modules) == 0 {
		return nil
	}
	share := testingShare / float64(len(e.modules))
	sc := &ScanContext{
		ScanID:  e.config.ID,
		Target:  e.config.Target.BaseURL,
		Fetcher: e.fetcher,
		Logger:  e.logger,
	}

	e.mu.RLock()
	crawl := e.crawl
	e.mu.RUnlock()

	for i, m := range e.modules {
		if err := e.WaitWhilePaused(ctx); err != nil || ctx.Err() != nil {
			return nil
		}
		e.setActiveModule(m.Name())

		findings, err := e.runModule(ctx, m, crawl, sc)
		if err != nil && ctx.Err() == nil {
			e.recordError(fmt.Errorf("module %s: %w", m.Name(), err))
		}
		e.addFindings(ctx, m.Name(), findings)
		e.setProgress(discoveryShare + share*float64(i+1))
	}
	e.setActiveModule("")
	return nil
}

func (e *Engine) runModule(ctx context.Context, m TestModule, crawl *web.Result, sc *ScanContext) (findings []types.Finding, err error) {
	log := e.logger.WithModule(m.Name())
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.LogPanic(ctx, r, "module."+m.Name())
			err = fmt.Errorf("panic: %v", r)
		}
		log.LogDuration(ctx, "module."+m.Name(), start, "findings", len(findings))
	}()

	moduleCtx := &ScanContext{ScanID: sc.ScanID, Target: sc.Target, Fetcher: sc.Fetcher, Logger: log}
	return m.Run(ctx, crawl, moduleCtx)
}

// addFindings stamps and de-duplicates module output, keeping report order.
func (e *Engine) addFindings(ctx context.Context, module string, findings []types.Finding) {
	if len(findings) == 0 {
		return
	}
	now := time.Now().UTC()

	e.mu.Lock()
	if e.status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	var added []types.Finding
	for _, f := range findings {
		if f.Module == "" {
			f.Module = module
		}
		f.ScanID = e.config.ID
		f.Severity = types.ParseSeverity(string(f.Severity))
		if f.Timestamp.IsZero() {
			f.Timestamp = now
		}

		fp := f.Fingerprint()
		if _, dup := e.seen[fp]; dup {
			continue
		}
		e.seen[fp] = struct{}{}

		if _, taken := e.ids[f.ID]; f.ID == "" || taken {
			f.ID = uuid.New().String()
		}
		e.ids[f.ID] = struct{}{}
		e.findings = append(e.findings, f)
		added = append(added, f)
	}
	e.mu.Unlock()

	for _, f := range added {
		e.logger.LogFinding(ctx, string(f.Severity), f.Title, f.Location, "module", f.Module, "category", f.Category)
		if e.telemetry != nil {
			e.telemetry.RecordFinding(f.Severity)
		}
	}
}

// Pause suspends dispatch at the next crawl or module boundary.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.status != types.ScanStatusRunning {
		status := e.status
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot pause scan in %s state", ErrInvalidTransition, status)
	}
	e.status = types.ScanStatusPaused
	e.pauseCh = make(chan struct{})
	e.mu.Unlock()

	e.logger.Infow("Scan paused")
	e.changed()
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.status != types.ScanStatusPaused {
		status := e.status
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot resume scan in %s state", ErrInvalidTransition, status)
	}
	e.status = types.ScanStatusRunning
	close(e.pauseCh)
	e.pauseCh = nil
	e.mu.Unlock()

	e.logger.Infow("Scan resumed")
	e.changed()
	return nil
}

// Stop requests cooperative cancellation. A scan that never started moves
// straight to stopped.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch e.status {
	case types.ScanStatusInitializing:
		e.status = types.ScanStatusStopped
		e.completedAt = time.Now().UTC()
		e.mu.Unlock()
		e.logger.Infow("Scan stopped before start")
		e.changed()
		e.closeDone()
		return nil
	case types.ScanStatusRunning, types.ScanStatusPaused:
		e.status = types.ScanStatusStopping
		if e.pauseCh != nil {
			close(e.pauseCh)
			e.pauseCh = nil
		}
		cancel := e.cancel
		e.mu.Unlock()
		e.logger.Infow("Scan stop requested")
		e.changed()
		if cancel != nil {
			cancel()
		}
		return nil
	case types.ScanStatusStopping, types.ScanStatusFinalizing:
		e.mu.Unlock()
		return nil
	default:
		status := e.status
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot stop scan in %s state", ErrInvalidTransition, status)
	}
}

// WaitWhilePaused blocks while the scan is paused. It returns ctx.Err()
// so callers can treat stop and timeout alike.
func (e *Engine) WaitWhilePaused(ctx context.Context) error {
	e.mu.RLock()
	ch := e.pauseCh
	e.mu.RUnlock()
	if ch == nil {
		return ctx.Err()
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
	return ctx.Err()
}

// MarkQueued and MarkCrawled receive crawler progress.
func (e *Engine) MarkQueued(string) {
	e.mu.Lock()
	e.queued++
	e.mu.Unlock()
}

func (e *Engine) MarkCrawled(string) {
	e.mu.Lock()
	e.crawled++
	crawled, queued := e.crawled, e.queued
	e.mu.Unlock()

	denom := queued
	if e.config.MaxPages < denom {
		denom = e.config.MaxPages
	}
	if denom < 1 {
		denom = 1
	}
	frac := float64(crawled) / float64(denom)
	if frac > 1 {
		frac = 1
	}
	e.setProgress(discoveryShare * frac)
}

// interrupted reports whether the run was stopped or timed out.
func (e *Engine) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (e *Engine) finishStopped(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.recordError(fmt.Errorf("scan exceeded max duration of %s", e.config.MaxScanDuration))
		e.logger.Warnw("Scan exceeded max duration", "max_scan_duration", e.config.MaxScanDuration.String())
	}
	e.transition(types.ScanStatusStopping)
	e.transition(types.ScanStatusStopped)
	e.logger.Infow("Scan stopped", "findings", len(e.Findings()))
}

func (e *Engine) fail(err error) {
	e.recordError(err)
	e.logger.Errorw("Scan failed", "error", err)
	e.transition(types.ScanStatusFailed)
}

func (e *Engine) transition(to types.ScanStatus) bool {
	e.mu.Lock()
	if !canTransition(e.status, to) {
		e.mu.Unlock()
		return false
	}
	e.status = to
	if to.IsTerminal() {
		e.completedAt = time.Now().UTC()
	}
	e.mu.Unlock()
	e.changed()
	return true
}

func (e *Engine) cancelRun() {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) closeDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// setProgress only ever raises progress.
func (e *Engine) setProgress(p float64) {
	e.mu.Lock()
	if p <= e.progress || e.status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if p > 100 {
		p = 100
	}
	e.progress = p
	status := e.status
	e.mu.Unlock()

	e.logger.LogScanProgress(context.Background(), e.config.ID, p, string(status))
	e.changed()
}

func (e *Engine) setActiveModule(name string) {
	e.mu.Lock()
	e.activeModule = name
	e.mu.Unlock()
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err.Error())
	e.mu.Unlock()
	e.logger.Warnw("Scan error recorded", "error", err)
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange(e.Status())
	}
}
