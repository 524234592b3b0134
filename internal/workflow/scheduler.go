package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// plan is the immutable dependency graph of a running workflow.
type plan struct {
	order      []string
	adapter    map[string]string
	options    map[string]map[string]interface{}
	waiting    map[string]int
	dependents map[string][]string
}

func newPlan(tasks []*Task) *plan {
	p := &plan{
		order:      make([]string, 0, len(tasks)),
		adapter:    make(map[string]string, len(tasks)),
		options:    make(map[string]map[string]interface{}, len(tasks)),
		waiting:    make(map[string]int, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		p.order = append(p.order, t.ID)
		p.adapter[t.ID] = t.Adapter
		p.options[t.ID] = t.clone().Options
		p.waiting[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			p.dependents[dep] = append(p.dependents[dep], t.ID)
		}
	}
	return p
}

// roots returns the tasks with no dependencies in task order.
func (p *plan) roots() []string {
	var out []string
	for _, id := range p.order {
		if p.waiting[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// release records that id completed and returns the dependents whose
// dependencies have now all completed.
func (p *plan) release(id string) []string {
	var ready []string
	for _, dep := range p.dependents[id] {
		p.waiting[dep]--
		if p.waiting[dep] == 0 {
			ready = append(ready, dep)
		}
	}
	return ready
}

type outcome struct {
	taskID string
	result *types.ToolResult
	err    error
}

// run is the scheduling loop of one workflow. Every ready task is handed
// to its own goroutine at once; the pool bounds how many invoke adapters
// at the same time. The loop only blocks while tasks are in flight and
// none is ready.
func (o *Orchestrator) run(ctx context.Context, wf *workflow, p *plan) {
	defer close(wf.done)
	log := o.logger.WithWorkflowID(wf.meta.ID)

	target := wf.meta.Target
	outcomes := make(chan outcome, len(p.order))
	ready := p.roots()
	inflight := 0

	for {
		for _, id := range ready {
			go o.dispatch(ctx, wf, id, p, target, outcomes)
			inflight++
		}
		ready = nil
		if inflight == 0 {
			break
		}

		out := <-outcomes
		inflight--
		if !o.complete(wf, out) {
			continue
		}
		if ctx.Err() == nil {
			ready = p.release(out.taskID)
		}
	}

	snap := o.finish(wf)
	log.Infow("Workflow execution finished",
		"status", snap.Status,
		"tasks", len(snap.Tasks),
		"blocked", len(snap.Blocked),
	)
	o.persist(context.Background(), snap)
}

func (o *Orchestrator) dispatch(ctx context.Context, wf *workflow, id string, p *plan, target string, out chan<- outcome) {
	if err := o.pool.Acquire(ctx, 1); err != nil {
		out <- outcome{taskID: id, err: err}
		return
	}
	defer o.pool.Release(1)

	if !o.begin(wf, id) {
		out <- outcome{taskID: id, err: context.Canceled}
		return
	}
	res, err := o.invoke(ctx, p.adapter[id], p.options[id], target, id)
	out <- outcome{taskID: id, result: res, err: err}
}

// begin moves a pending task to running. It reports false when the task
// was cancelled while waiting for a worker.
func (o *Orchestrator) begin(wf *workflow, id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := wf.index[id]
	if t.Status != types.TaskStatusPending {
		return false
	}
	now := time.Now().UTC()
	t.Status = types.TaskStatusRunning
	t.StartTime = &now
	o.logger.WithTask(t.ID, t.Adapter).Infow("Task started", "workflow_id", wf.meta.ID, "task", taskLabel(t))
	return true
}

// invoke runs one adapter. A panic is converted into an error so the
// scheduler keeps going.
func (o *Orchestrator) invoke(ctx context.Context, name string, options map[string]interface{}, target, taskID string) (res *types.ToolResult, err error) {
	adapter, err := o.adapters.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.LogPanic(ctx, r, "workflow.task", "task_id", taskID, "adapter", name)
			res = nil
			err = fmt.Errorf("adapter %s panicked: %v", name, r)
		}
	}()

	opts := make(map[string]interface{}, len(options)+1)
	for k, v := range options {
		opts[k] = v
	}
	if _, ok := opts["target"]; !ok && target != "" {
		opts["target"] = target
	}
	return adapter.Execute(ctx, opts)
}

// complete applies an outcome to its task and reports whether the task
// completed. Outcomes for tasks that are no longer running are dropped.
func (o *Orchestrator) complete(wf *workflow, out outcome) bool {
	o.mu.Lock()
	t := wf.index[out.taskID]
	if t.Status != types.TaskStatusRunning {
		o.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	t.EndTime = &now

	switch {
	case out.err != nil:
		t.Status = types.TaskStatusFailed
		t.Error = out.err.Error()
	case out.result == nil:
		t.Status = types.TaskStatusFailed
		t.Error = fmt.Sprintf("adapter %s returned no result", t.Adapter)
	default:
		t.Result = out.result.Clone()
		stamp(t, now)
		if t.Result.Status == types.ToolResultSuccess {
			t.Status = types.TaskStatusCompleted
		} else {
			t.Status = types.TaskStatusFailed
			t.Error = t.Result.ErrorMessage
		}
	}
	status, adapter, label := t.Status, t.Adapter, taskLabel(t)
	duration := now.Sub(*t.StartTime)
	taskErr := t.Error
	findings := 0
	if t.Result != nil {
		findings = len(t.Result.Findings)
	}
	o.mu.Unlock()

	log := o.logger.WithTask(out.taskID, adapter)
	if status == types.TaskStatusCompleted {
		log.Infow("Task completed", "workflow_id", wf.meta.ID, "task", label, "findings", findings, "duration", duration)
	} else {
		log.Warnw("Task failed", "workflow_id", wf.meta.ID, "task", label, "error", taskErr, "duration", duration)
	}
	if o.telemetry != nil {
		o.telemetry.RecordTask(adapter, status, duration.Seconds())
	}
	return status == types.TaskStatusCompleted
}

// stamp ties the task's findings to it.
func stamp(t *Task, now time.Time) {
	for i := range t.Result.Findings {
		f := &t.Result.Findings[i]
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.Adapter == "" {
			f.Adapter = t.Adapter
		}
		f.TaskID = t.ID
		if f.Timestamp.IsZero() {
			f.Timestamp = now
		}
	}
}

// finish derives the workflow status from its tasks. A cancelled
// workflow keeps its status.
func (o *Orchestrator) finish(wf *workflow) *Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	if wf.meta.Status == types.WorkflowStatusRunning {
		status := types.WorkflowStatusCompleted
		for _, t := range wf.tasks {
			if t.Status != types.TaskStatusCompleted && t.Status != types.TaskStatusCancelled {
				status = types.WorkflowStatusFailed
				break
			}
		}
		now := time.Now().UTC()
		wf.meta.Status = status
		wf.meta.EndTime = &now
	}
	if wf.cancel != nil {
		wf.cancel()
	}
	return o.snapshotLocked(wf)
}
