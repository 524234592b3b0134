package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/database"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/workflow"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/techstack"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scanners/api"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scanners/passive"
)

// app holds the collaborators built once per process and shared by the
// scan manager, the orchestrator and whichever front end is running.
type app struct {
	store     *database.Store
	telemetry core.Telemetry
	scans     *scanner.Manager
	adapters  *plugins.Registry
	workflows *workflow.Orchestrator
}

func newApp(ctx context.Context) (*app, error) {
	a := &app{}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel

	// A nil interface, not a nil *Store, when persistence is off.
	var store core.ResultStore
	if cfg.Database.Driver != "" {
		a.store, err = database.NewStore(cfg.Database, log)
		if err != nil {
			_ = tel.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		store = a.store
	}

	modules := scanner.NewModuleRegistry(passive.Defaults()...)
	modules.Register(api.NewGraphQL())

	a.scans = scanner.NewManager(modules, store, scanner.Dependencies{
		Fingerprinter: techstack.New(log),
		Logger:        log,
		Telemetry:     tel,
	})

	a.adapters = plugins.NewRegistry()
	if err := plugins.RegisterDefaults(a.adapters, cfg.Tools, cfg.Scan, a.scans, log); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.workflows = workflow.NewOrchestrator(a.adapters, cfg.Workflow, store, tel, log)
	return a, nil
}

// Close stops outstanding work and releases the store and exporters.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.scans != nil {
		a.scans.StopAll()
	}
	if a.workflows != nil {
		if err := a.workflows.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workflows: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) closeWithTimeout(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Warnw("Shutdown finished with errors", "error", err)
	}
}
