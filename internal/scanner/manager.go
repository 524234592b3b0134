package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

// Manager owns the scans of one process. Engines built by the factory
// share the manager's modules, auth strategies and transport.
type Manager struct {
	deps    Dependencies
	modules *ModuleRegistry
	store   core.ResultStore
	logger  *logger.Logger

	mu          sync.RWMutex
	scans       map[string]*Engine
	subscribers map[string][]chan Status
}

func NewManager(modules *ModuleRegistry, store core.ResultStore, deps Dependencies) *Manager {
	if modules == nil {
		modules = NewModuleRegistry()
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		deps:        deps,
		modules:     modules,
		store:       store,
		logger:      log.WithComponent("scan_manager"),
		scans:       make(map[string]*Engine),
		subscribers: make(map[string][]chan Status),
	}
}

// Create registers a scan in the initializing state.
func (m *Manager) Create(cfg Config) (*Engine, error) {
	mods, err := m.modules.Resolve(cfg.Modules)
	if err != nil {
		return nil, err
	}
	deps := m.deps
	deps.Modules = mods
	deps.OnChange = m.onChange

	engine, err := NewEngine(cfg, deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.scans[engine.ID()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("scan %s already exists", engine.ID())
	}
	m.scans[engine.ID()] = engine
	m.mu.Unlock()

	m.persist(context.Background(), engine, false)
	m.logger.Infow("Scan created", "scan_id", engine.ID(), "target", cfg.Target.BaseURL, "modules", cfg.Modules)
	return engine, nil
}

func (m *Manager) Get(id string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	engine, ok := m.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	return engine, nil
}

func (m *Manager) Start(ctx context.Context, id string) error {
	engine, err := m.Get(id)
	if err != nil {
		return err
	}
	return engine.Start(ctx)
}

func (m *Manager) Pause(id string) error {
	engine, err := m.Get(id)
	if err != nil {
		return err
	}
	return engine.Pause()
}

func (m *Manager) Resume(id string) error {
	engine, err := m.Get(id)
	if err != nil {
		return err
	}
	return engine.Resume()
}

func (m *Manager) Stop(id string) error {
	engine, err := m.Get(id)
	if err != nil {
		return err
	}
	return engine.Stop()
}

func (m *Manager) Status(id string) (Status, error) {
	engine, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}
	return engine.Status(), nil
}

func (m *Manager) Results(id string) (*Results, error) {
	engine, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return engine.Results(), nil
}

// List returns every scan's status, newest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.scans))
	for _, engine := range m.scans {
		out = append(out, engine.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the scan is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) error {
	engine, err := m.Get(id)
	if err != nil {
		return err
	}
	select {
	case <-engine.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll requests every live scan to stop.
func (m *Manager) StopAll() {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.scans))
	for _, engine := range m.scans {
		engines = append(engines, engine)
	}
	m.mu.RUnlock()

	for _, engine := range engines {
		if !engine.Status().Status.IsTerminal() {
			_ = engine.Stop()
		}
	}
}

// Subscribe streams status changes for one scan. The channel is closed
// when the scan reaches a terminal state or cancel is called. Slow
// readers miss intermediate updates.
func (m *Manager) Subscribe(id string) (<-chan Status, func(), error) {
	engine, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Status, 16)

	m.mu.Lock()
	current := engine.Status()
	ch <- current
	if current.Status.IsTerminal() {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	m.subscribers[id] = append(m.subscribers[id], ch)
	m.mu.Unlock()
	return ch, func() { m.unsubscribe(id, ch) }, nil
}

func (m *Manager) unsubscribe(id string, ch chan Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[id]
	for i, c := range subs {
		if c == ch {
			m.subscribers[id] = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(m.subscribers[id]) == 0 {
		delete(m.subscribers, id)
	}
}

func (m *Manager) onChange(s Status) {
	m.mu.Lock()
	terminal := s.Status.IsTerminal()
	for _, ch := range m.subscribers[s.ScanID] {
		deliver(ch, s, terminal)
		if terminal {
			close(ch)
		}
	}
	if terminal {
		delete(m.subscribers, s.ScanID)
	}
	engine := m.scans[s.ScanID]
	m.mu.Unlock()

	if engine != nil && terminal {
		m.persist(context.Background(), engine, true)
	}
}

// deliver drops the update when ch is full, unless it is the final one,
// which displaces the oldest pending update.
func deliver(ch chan Status, s Status, final bool) {
	select {
	case ch <- s:
		return
	default:
	}
	if !final {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// persist writes the scan record, and its findings once terminal.
// Failures are logged; the scan itself carries on.
func (m *Manager) persist(ctx context.Context, engine *Engine, withFindings bool) {
	if m.store == nil {
		return
	}
	cfg, err := json.Marshal(engine.Config())
	if err != nil {
		m.logger.LogError(ctx, err, "scan.persist.marshal", "scan_id", engine.ID())
		return
	}
	if err := m.store.SaveScan(ctx, engine.Status().Record(cfg)); err != nil {
		m.logger.LogError(ctx, err, "scan.persist", "scan_id", engine.ID())
		return
	}
	if !withFindings {
		return
	}
	findings := engine.Findings()
	if len(findings) == 0 {
		return
	}
	if err := m.store.SaveFindings(ctx, findings); err != nil {
		m.logger.LogError(ctx, err, "scan.persist.findings", "scan_id", engine.ID())
	}
}
