package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// Orchestrator owns every workflow of the process. Task invocations of
// all workflows share one worker pool.
type Orchestrator struct {
	adapters   core.AdapterRegistry
	store      core.ResultStore
	telemetry  core.Telemetry
	logger     *logger.Logger
	pool       *semaphore.Weighted
	resultsDir string

	base   context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	workflows map[string]*workflow
}

// workflow is the mutable registry entry behind a Workflow snapshot.
// Every field is guarded by Orchestrator.mu.
type workflow struct {
	meta   Workflow
	tasks  []*Task
	index  map[string]*Task
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(
	adapters core.AdapterRegistry,
	cfg config.WorkflowConfig,
	store core.ResultStore,
	telemetry core.Telemetry,
	log *logger.Logger,
) *Orchestrator {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		adapters:   adapters,
		store:      store,
		telemetry:  telemetry,
		logger:     log.WithComponent("workflow"),
		pool:       semaphore.NewWeighted(int64(workers)),
		resultsDir: cfg.ResultsDir,
		base:       base,
		cancel:     cancel,
		workflows:  make(map[string]*workflow),
	}
}

func (o *Orchestrator) CreateWorkflow(name, description, target string, tags []string) *Workflow {
	wf := &workflow{
		meta: Workflow{
			ID:          uuid.New().String(),
			Name:        name,
			Description: description,
			Target:      target,
			Tags:        append([]string(nil), tags...),
			Status:      types.WorkflowStatusPending,
			CreatedAt:   time.Now().UTC(),
		},
		index: make(map[string]*Task),
		done:  make(chan struct{}),
	}

	o.mu.Lock()
	o.workflows[wf.meta.ID] = wf
	snap := o.snapshotLocked(wf)
	o.mu.Unlock()

	o.persist(o.base, snap)
	o.logger.Infow("Workflow created", "workflow_id", snap.ID, "name", name, "target", target)
	return snap
}

// AddTask appends a task to a pending workflow and returns its id. Every
// dependency must name a task already in the same workflow.
func (o *Orchestrator) AddTask(workflowID, adapter string, options map[string]interface{}, dependsOn []string) (string, error) {
	return o.addTask(workflowID, "", adapter, options, dependsOn)
}

func (o *Orchestrator) addTask(workflowID, name, adapter string, options map[string]interface{}, dependsOn []string) (string, error) {
	if _, err := o.adapters.Get(adapter); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAdapterNotFound, adapter)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if wf.meta.Status != types.WorkflowStatusPending {
		return "", fmt.Errorf("%w: %s is %s", ErrWorkflowImmutable, workflowID, wf.meta.Status)
	}

	seen := make(map[string]bool, len(dependsOn))
	deps := make([]string, 0, len(dependsOn))
	for _, dep := range dependsOn {
		if _, ok := wf.index[dep]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}

	opts := make(map[string]interface{}, len(options))
	for k, v := range options {
		opts[k] = v
	}
	task := &Task{
		ID:        uuid.New().String(),
		Name:      name,
		Adapter:   adapter,
		Options:   opts,
		DependsOn: deps,
		Status:    types.TaskStatusPending,
	}
	wf.tasks = append(wf.tasks, task)
	wf.index[task.ID] = task
	return task.ID, nil
}

// ExecuteWorkflow marks the workflow running and schedules it in the
// background. It returns before any task starts.
func (o *Orchestrator) ExecuteWorkflow(id string) error {
	o.mu.Lock()
	wf, ok := o.workflows[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if wf.meta.Status != types.WorkflowStatusPending {
		status := wf.meta.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, status)
	}
	ctx, cancel := context.WithCancel(o.base)
	now := time.Now().UTC()
	wf.meta.Status = types.WorkflowStatusRunning
	wf.meta.StartTime = &now
	wf.cancel = cancel
	plan := newPlan(wf.tasks)
	o.mu.Unlock()

	o.logger.Infow("Starting workflow execution", "workflow_id", id, "tasks", len(plan.order))
	go o.run(ctx, wf, plan)
	return nil
}

// CancelWorkflow marks every unfinished task and the workflow cancelled.
// Adapters still running see their context cancelled; whatever they
// return afterwards is discarded.
func (o *Orchestrator) CancelWorkflow(id string) error {
	o.mu.Lock()
	wf, ok := o.workflows[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	switch wf.meta.Status {
	case types.WorkflowStatusCancelled:
		o.mu.Unlock()
		return nil
	case types.WorkflowStatusCompleted, types.WorkflowStatusFailed:
		status := wf.meta.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s already %s", ErrWorkflowImmutable, id, status)
	}

	now := time.Now().UTC()
	for _, t := range wf.tasks {
		if t.Status == types.TaskStatusPending || t.Status == types.TaskStatusRunning {
			t.Status = types.TaskStatusCancelled
			end := now
			t.EndTime = &end
		}
	}
	neverStarted := wf.meta.Status == types.WorkflowStatusPending
	wf.meta.Status = types.WorkflowStatusCancelled
	wf.meta.EndTime = &now
	if wf.cancel != nil {
		wf.cancel()
	}
	if neverStarted {
		close(wf.done)
	}
	snap := o.snapshotLocked(wf)
	o.mu.Unlock()

	o.logger.Infow("Workflow cancelled", "workflow_id", id)
	if neverStarted {
		o.persist(o.base, snap)
	}
	return nil
}

// GetWorkflowStatus returns a copy of the workflow. Workflows from an
// earlier process are read back from the result store.
func (o *Orchestrator) GetWorkflowStatus(id string) (*Workflow, error) {
	o.mu.RLock()
	wf, ok := o.workflows[id]
	if ok {
		snap := o.snapshotLocked(wf)
		o.mu.RUnlock()
		return snap, nil
	}
	o.mu.RUnlock()
	return o.load(id)
}

func (o *Orchestrator) load(id string) (*Workflow, error) {
	if o.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	rec, err := o.store.GetWorkflow(o.base, id)
	if err != nil || rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	var snap Workflow
	if err := json.Unmarshal(rec.Document, &snap); err != nil {
		return nil, fmt.Errorf("decode stored workflow %s: %w", id, err)
	}
	return &snap, nil
}

// List returns every in-memory workflow, newest first.
func (o *Orchestrator) List() []*Workflow {
	o.mu.RLock()
	out := make([]*Workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		out = append(out, o.snapshotLocked(wf))
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the workflow is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Workflow, error) {
	o.mu.RLock()
	wf, ok := o.workflows[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	select {
	case <-wf.done:
		return o.GetWorkflowStatus(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels every running workflow and waits for their schedulers
// to return or ctx to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.RLock()
	var running []string
	for id, wf := range o.workflows {
		if wf.meta.Status == types.WorkflowStatusRunning {
			running = append(running, id)
		}
	}
	o.mu.RUnlock()

	var errs []error
	for _, id := range running {
		if err := o.CancelWorkflow(id); err != nil && !errors.Is(err, ErrWorkflowImmutable) {
			errs = append(errs, err)
		}
		if _, err := o.Wait(ctx, id); err != nil {
			errs = append(errs, err)
			break
		}
	}
	o.cancel()
	return errors.Join(errs...)
}

func (o *Orchestrator) snapshotLocked(wf *workflow) *Workflow {
	snap := wf.meta
	snap.Tags = append([]string(nil), wf.meta.Tags...)
	if wf.meta.StartTime != nil {
		t := *wf.meta.StartTime
		snap.StartTime = &t
	}
	if wf.meta.EndTime != nil {
		t := *wf.meta.EndTime
		snap.EndTime = &t
	}
	snap.Tasks = make([]Task, len(wf.tasks))
	for i, t := range wf.tasks {
		snap.Tasks[i] = t.clone()
	}
	snap.Blocked = blocked(wf.tasks)
	return &snap
}

// blocked returns the pending tasks that have a failed, cancelled or
// blocked dependency, in task order.
func blocked(tasks []*Task) []string {
	stuck := make(map[string]bool)
	status := make(map[string]types.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	for changed := true; changed; {
		changed = false
		for _, t := range tasks {
			if t.Status != types.TaskStatusPending || stuck[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				s := status[dep]
				if s == types.TaskStatusFailed || s == types.TaskStatusCancelled || stuck[dep] {
					stuck[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	var out []string
	for _, t := range tasks {
		if stuck[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}

// persist stores the snapshot when a result store is configured. Errors
// are logged only.
func (o *Orchestrator) persist(ctx context.Context, snap *Workflow) {
	if o.store == nil {
		return
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		o.logger.LogError(ctx, err, "workflow.persist.marshal", "workflow_id", snap.ID)
		return
	}
	rec := &types.WorkflowRecord{
		ID:        snap.ID,
		Name:      snap.Name,
		Target:    snap.Target,
		Status:    snap.Status,
		Document:  doc,
		UpdatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveWorkflow(ctx, rec); err != nil {
		o.logger.LogError(ctx, err, "workflow.persist", "workflow_id", snap.ID)
	}
}

func taskLabel(t *Task) string {
	if t.Name != "" {
		return t.Name
	}
	return strings.TrimSpace(t.Adapter + " " + t.ID)
}
