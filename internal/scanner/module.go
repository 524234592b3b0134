package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// TestModule consumes a finished crawl and reports findings. Modules run
// one at a time in configured order and must treat the crawl result as
// read-only.
type TestModule interface {
	Name() string
	Run(ctx context.Context, crawl *web.Result, sc *ScanContext) ([]types.Finding, error)
}

// ScanContext is what a module may use besides the crawl result. Fetcher
// carries the scan's pacing, identity rotation and authenticated session.
type ScanContext struct {
	ScanID  string
	Target  string
	Fetcher core.Fetcher
	Logger  *logger.Logger
}

// ModuleRegistry resolves configured module names.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]TestModule
}

func NewModuleRegistry(modules ...TestModule) *ModuleRegistry {
	r := &ModuleRegistry{modules: make(map[string]TestModule)}
	for _, m := range modules {
		r.Register(m)
	}
	return r
}

func (r *ModuleRegistry) Register(m TestModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

// Resolve returns the modules for names in the given order.
func (r *ModuleRegistry) Resolve(names []string) ([]TestModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TestModule, 0, len(names))
	for _, name := range names {
		m, ok := r.modules[name]
		if !ok {
			return nil, fmt.Errorf("unknown test module %q", name)
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *ModuleRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
