package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

type memoryStore struct {
	mu       sync.Mutex
	scans    map[string]*types.ScanRecord
	findings map[string][]types.Finding
}

func newMemoryStore() *memoryStore {
	return &memoryStore{scans: map[string]*types.ScanRecord{}, findings: map[string][]types.Finding{}}
}

func (s *memoryStore) SaveScan(_ context.Context, scan *types.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *scan
	s.scans[scan.ID] = &copied
	return nil
}

func (s *memoryStore) GetScan(_ context.Context, id string) (*types.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok {
		return nil, ErrScanNotFound
	}
	return rec, nil
}

func (s *memoryStore) ListScans(context.Context, core.ScanFilter) ([]*types.ScanRecord, error) {
	return nil, nil
}

func (s *memoryStore) SaveFindings(_ context.Context, findings []types.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range findings {
		s.findings[f.ScanID] = append(s.findings[f.ScanID], f)
	}
	return nil
}

func (s *memoryStore) GetFindings(_ context.Context, id string) ([]types.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findings[id], nil
}

func (s *memoryStore) QueryFindings(context.Context, core.FindingQuery) ([]types.Finding, error) {
	return nil, nil
}

func (s *memoryStore) SaveWorkflow(context.Context, *types.WorkflowRecord) error { return nil }

func (s *memoryStore) GetWorkflow(context.Context, string) (*types.WorkflowRecord, error) {
	return nil, nil
}

func (s *memoryStore) Close() error { return nil }

func newTestManager(store core.ResultStore, modules ...TestModule) *Manager {
	return NewManager(NewModuleRegistry(modules...), store, Dependencies{Fetcher: newSiteFetcher()})
}

func blockUntilCancelled(started chan<- struct{}) func(context.Context, *web.Result) ([]types.Finding, error) {
	return func(ctx context.Context, _ *web.Result) ([]types.Finding, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestManagerPersistsTerminalScan(t *testing.T) {
	store := newMemoryStore()
	mod := &stubModule{name: "banner", findings: []types.Finding{
		{Category: "info", Severity: types.SeverityInfo, Title: "Server banner", Location: testBase},
	}}
	m := newTestManager(store, mod)

	cfg := testConfig()
	cfg.Modules = []string{"banner"}
	engine, err := m.Create(cfg)
	require.NoError(t, err)

	rec, err := store.GetScan(context.Background(), engine.ID())
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusInitializing, rec.Status)

	require.NoError(t, m.Start(context.Background(), engine.ID()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, engine.ID()))

	rec, err = store.GetScan(context.Background(), engine.ID())
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	assert.Contains(t, string(rec.Config), `"max_depth":2`)
	require.NotNil(t, rec.CompletedAt)

	saved, err := store.GetFindings(context.Background(), engine.ID())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "banner", saved[0].Module)
}

func TestManagerRejectsUnknownModule(t *testing.T) {
	m := newTestManager(nil)
	cfg := testConfig()
	cfg.Modules = []string{"does-not-exist"}

	_, err := m.Create(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
	assert.Empty(t, m.List())
}

func TestManagerUnknownScan(t *testing.T) {
	m := newTestManager(nil)

	assert.ErrorIs(t, m.Start(context.Background(), "missing"), ErrScanNotFound)
	assert.ErrorIs(t, m.Pause("missing"), ErrScanNotFound)
	assert.ErrorIs(t, m.Resume("missing"), ErrScanNotFound)
	assert.ErrorIs(t, m.Stop("missing"), ErrScanNotFound)
	_, err := m.Status("missing")
	assert.ErrorIs(t, err, ErrScanNotFound)
	_, err = m.Results("missing")
	assert.ErrorIs(t, err, ErrScanNotFound)
	_, _, err = m.Subscribe("missing")
	assert.ErrorIs(t, err, ErrScanNotFound)
}

func TestManagerSubscribeClosesOnTerminal(t *testing.T) {
	m := newTestManager(nil)
	engine, err := m.Create(testConfig())
	require.NoError(t, err)

	updates, cancel, err := m.Subscribe(engine.ID())
	require.NoError(t, err)
	defer cancel()

	first := <-updates
	assert.Equal(t, types.ScanStatusInitializing, first.Status)

	require.NoError(t, m.Start(context.Background(), engine.ID()))

	var last Status
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case s, ok := <-updates:
			if !ok {
				done = true
				break
			}
			last = s
		case <-timeout:
			t.Fatal("subscription never closed")
		}
	}
	assert.Equal(t, types.ScanStatusCompleted, last.Status)

	late, cancelLate, err := m.Subscribe(engine.ID())
	require.NoError(t, err)
	defer cancelLate()
	s, ok := <-late
	require.True(t, ok)
	assert.Equal(t, types.ScanStatusCompleted, s.Status)
	_, ok = <-late
	assert.False(t, ok)
}

func TestManagerListAndStopAll(t *testing.T) {
	started := make(chan struct{}, 2)
	blocking := &stubModule{name: "blocking", fn: blockUntilCancelled(started)}
	m := newTestManager(nil, blocking)

	cfg := testConfig()
	cfg.Modules = []string{"blocking"}
	a, err := m.Create(cfg)
	require.NoError(t, err)
	b, err := m.Create(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, m.List(), 2)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	<-started
	<-started

	m.StopAll()
	waitDone(t, a)
	waitDone(t, b)
	for _, s := range m.List() {
		assert.Equal(t, types.ScanStatusStopped, s.Status)
	}
}
