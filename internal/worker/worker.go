// Package worker implements the task-queue worker loop: a
// bounded-concurrency pool that claims tasks, dispatches them by kind,
// and commits their outcome back to the store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/store"
	"github.com/loom-run/loom/internal/workflow"
)

// Config bundles the tunables of the spec's "Configuration surface"
// (worker.* and activity.* keys) relevant to dispatch.
type Config struct {
	Concurrency         int
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	StaleAfter          time.Duration
	RecoveryInterval    time.Duration
	DefaultTimeout      time.Duration
	DefaultRetryCount   int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
}

// DefaultConfig mirrors the spec's §6 defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		PollInterval:      500 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		StaleAfter:        2500 * time.Millisecond,
		RecoveryInterval:  10 * time.Second,
		DefaultTimeout:    30 * time.Second,
		DefaultRetryCount: 3,
		BackoffBase:       time.Second,
		BackoffCap:        5 * time.Minute,
	}
}

// Pool is a worker process's task dispatcher: one logical runner that
// processes up to Config.Concurrency tasks at a time, polling the shared
// store, cooperatively sharing the queue across worker processes.
type Pool struct {
	id       string
	store    store.Store
	engine   *engine.Engine
	registry *registry.Registry
	cfg      Config
	now      func() time.Time
}

// New builds a Pool. A random suffix is appended to the hostname so
// claimed_by identifies this process uniquely among siblings.
func New(st store.Store, eng *engine.Engine, reg *registry.Registry, cfg Config, now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	hostname, _ := os.Hostname()
	return &Pool{
		id:       fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		store:    st,
		engine:   eng,
		registry: reg,
		cfg:      cfg,
		now:      now,
	}
}

// ID returns the worker's claimed_by identity.
func (p *Pool) ID() string { return p.id }

// Run blocks, dispatching tasks and sweeping stale tasks, until ctx is
// cancelled. It returns ctx's error (or nil on plain cancellation).
func (p *Pool) Run(ctx context.Context) error {
	log.Printf("loom: worker %s starting (concurrency=%d, poll=%s)", p.id, p.cfg.Concurrency, p.cfg.PollInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.dispatchLoop(gctx) })
	g.Go(func() error { return p.recoveryLoop(gctx) })

	err := g.Wait()
	log.Printf("loom: worker %s stopped", p.id)
	if err == context.Canceled {
		return nil
	}
	return err
}

// RunOnce claims and processes a single task, for embedded or test
// dispatch (Control API `run_once()`). It returns false if the
// queue had nothing claimable.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.store.ClaimNextTask(ctx, p.id, p.now())
	if err != nil {
		return false, fmt.Errorf("worker: claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}
	p.process(ctx, task)
	return true, nil
}

func (p *Pool) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.claimBatch(ctx, sem, &wg)
		}
	}
}

// claimBatch fills available concurrency slots with claimed tasks,
// dispatching each to its own goroutine, until the queue is empty or the
// pool is at capacity.
func (p *Pool) claimBatch(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return
		}

		task, err := p.store.ClaimNextTask(ctx, p.id, p.now())
		if err != nil {
			<-sem
			log.Printf("loom: worker %s: claim task: %v", p.id, err)
			return
		}
		if task == nil {
			<-sem
			return
		}

		wg.Add(1)
		go func(t *store.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			p.process(ctx, t)
		}(task)
	}
}

func (p *Pool) recoveryLoop(ctx context.Context) error {
	interval := p.cfg.RecoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.store.RecoverStaleTasks(ctx, p.cfg.StaleAfter)
			if err != nil {
				log.Printf("loom: worker %s: recover stale tasks: %v", p.id, err)
				continue
			}
			if n > 0 {
				log.Printf("loom: worker %s: recovered %d stale task(s)", p.id, n)
			}
		}
	}
}

// process dispatches a claimed task by kind and reports its outcome back
// to the store, with a heartbeat kept alive for the task's duration.
func (p *Pool) process(ctx context.Context, task *store.Task) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, task.ID)

	var err error
	switch task.Kind {
	case workflow.TaskStep:
		err = p.engine.RunStep(ctx, task.WorkflowID)
	case workflow.TaskActivity:
		err = p.runActivity(ctx, task)
	case workflow.TaskTimer:
		err = p.runTimer(ctx, task)
	default:
		err = fmt.Errorf("worker: unknown task kind %q", task.Kind)
	}

	if err != nil {
		p.failTask(ctx, task, err)
		return
	}
	if cerr := p.store.CompleteTask(ctx, task.ID); cerr != nil {
		log.Printf("loom: worker %s: complete task %s: %v", p.id, task.ID, cerr)
	}
}

// heartbeat refreshes a claimed task's liveness marker until ctx is
// cancelled (task finished or pool shutting down).
func (p *Pool) heartbeat(ctx context.Context, taskID string) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(context.Background(), taskID); err != nil {
				log.Printf("loom: worker %s: heartbeat task %s: %v", p.id, taskID, err)
			}
		}
	}
}

// failTask handles a task-level error — a store-layer error, or an
// activity attempt that runActivity hands back for retry — by retrying
// the task up to its max_attempts with exponential backoff; ACTIVITY
// attempt exhaustion is handled inline in runActivity and never reaches
// here as a task-level error.
func (p *Pool) failTask(ctx context.Context, task *store.Task, cause error) {
	log.Printf("loom: worker %s: task %s (%s) failed: %v", p.id, task.ID, task.Kind, cause)
	shouldRetry := task.Attempts < task.MaxAttempts
	backoff := computeBackoff(task.Attempts, p.cfg.BackoffBase, p.cfg.BackoffCap)
	if err := p.store.FailTask(ctx, task.ID, cause.Error(), shouldRetry, backoff); err != nil {
		log.Printf("loom: worker %s: fail_task %s: %v", p.id, task.ID, err)
	}
}

// computeBackoff implements the spec's default retry schedule: base,
// doubling each attempt, capped.
func computeBackoff(attempts int, base, backoffCap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// runActivity resolves and invokes a registered activity (or the
// reserved system.start_child_workflow pseudo-activity), then bundles
// ACTIVITY_COMPLETED or ACTIVITY_FAILED with a resuming STEP task into
// one commit.
func (p *Pool) runActivity(ctx context.Context, task *store.Task) error {
	history, err := p.store.LoadHistory(ctx, task.WorkflowID)
	if err != nil {
		return fmt.Errorf("worker: load history for activity %s: %w", task.Target, err)
	}
	sched, ok := findActivityScheduled(history, task.Target)
	if !ok {
		return fmt.Errorf("worker: no ACTIVITY_SCHEDULED found for activity %s", task.Target)
	}

	var (
		result    json.RawMessage
		runErr    error
		timeout   = p.cfg.DefaultTimeout
		retryMax  = p.cfg.DefaultRetryCount
	)

	if sched.Name == workflow.StartChildWorkflowActivity {
		result, runErr = p.startChildWorkflow(ctx, task.WorkflowID, sched.Args)
	} else {
		def, found := p.registry.GetActivity(sched.Name)
		if !found {
			runErr = fmt.Errorf("no registered activity %q", sched.Name)
		} else {
			if def.Policy.TimeoutSeconds > 0 {
				timeout = time.Duration(def.Policy.TimeoutSeconds) * time.Second
			}
			if def.Policy.RetryCount > 0 {
				retryMax = def.Policy.RetryCount
			}
			actCtx, cancel := context.WithTimeout(ctx, timeout)
			result, runErr = def.Fn(actCtx, sched.Args)
			cancel()
		}
	}

	resumeTaskID, err := store.NewTaskID()
	if err != nil {
		return err
	}
	resume := store.Task{
		ID:          resumeTaskID,
		WorkflowID:  task.WorkflowID,
		Kind:        workflow.TaskStep,
		Target:      "resume",
		RunAt:       p.now(),
		MaxAttempts: store.DefaultStepMaxAttempts(),
	}

	if runErr == nil {
		ev, err := workflow.NewEvent(task.WorkflowID, workflow.EventActivityCompleted, workflow.ActivityCompletedPayload{
			ActivityID: sched.ActivityID,
			Result:     result,
		})
		if err != nil {
			return err
		}
		return p.store.Commit(ctx, task.WorkflowID, []workflow.Event{ev}, []store.Task{resume}, nil)
	}

	// attempts counts this task row's claim count, already incremented by
	// claim_next_task for the current attempt. retryMax retries means
	// retryMax+1 total attempts, so the bound is inclusive.
	if task.Attempts <= retryMax {
		return runErr // task-level retry path in failTask requeues it with the pool's configured backoff
	}

	ev, err := workflow.NewEvent(task.WorkflowID, workflow.EventActivityFailed, workflow.ActivityFailedPayload{
		ActivityID:   sched.ActivityID,
		Error:        runErr.Error(),
		AttemptsUsed: task.Attempts,
	})
	if err != nil {
		return err
	}
	return p.store.Commit(ctx, task.WorkflowID, []workflow.Event{ev}, []store.Task{resume}, nil)
}

// startChildWorkflow resolves the reserved system.start_child_workflow
// activity by creating the child workflow directly against the store and
// returning its id as the synthetic activity result (see the doc comment
// on workflow.Context.StartChildWorkflow).
func (p *Pool) startChildWorkflow(ctx context.Context, parentID string, argsRaw json.RawMessage) (json.RawMessage, error) {
	var req workflow.ChildWorkflowRequest
	if err := json.Unmarshal(argsRaw, &req); err != nil {
		return nil, fmt.Errorf("decode start_child_workflow args: %w", err)
	}
	def, ok := p.registry.GetWorkflow(req.DefinitionName, req.Version)
	if !ok {
		return nil, fmt.Errorf("no registered workflow definition for child %s@%s", req.DefinitionName, req.Version)
	}

	childID := uuid.New().String()
	firstTaskID, err := store.NewTaskID()
	if err != nil {
		return nil, err
	}
	firstTask := store.Task{
		ID:          firstTaskID,
		WorkflowID:  childID,
		Kind:        workflow.TaskStep,
		Target:      def.Steps[0].Name,
		RunAt:       p.now(),
		MaxAttempts: store.DefaultStepMaxAttempts(),
	}
	if err := p.store.CreateWorkflow(ctx, childID, def.Name, def.Version, "", req.Input, nil, firstTask); err != nil {
		return nil, fmt.Errorf("create child workflow: %w", err)
	}
	return json.Marshal(childID)
}

// runTimer appends TIMER_FIRED and enqueues a resuming STEP task.
func (p *Pool) runTimer(ctx context.Context, task *store.Task) error {
	ev, err := workflow.NewEvent(task.WorkflowID, workflow.EventTimerFired, workflow.TimerFiredPayload{TimerID: task.Target})
	if err != nil {
		return err
	}
	resumeTaskID, err := store.NewTaskID()
	if err != nil {
		return err
	}
	resume := store.Task{
		ID:          resumeTaskID,
		WorkflowID:  task.WorkflowID,
		Kind:        workflow.TaskStep,
		Target:      "resume",
		RunAt:       p.now(),
		MaxAttempts: store.DefaultStepMaxAttempts(),
	}
	return p.store.Commit(ctx, task.WorkflowID, []workflow.Event{ev}, []store.Task{resume}, nil)
}

func findActivityScheduled(history []workflow.Event, activityID string) (workflow.ActivityScheduledPayload, bool) {
	for _, ev := range history {
		if ev.Type != workflow.EventActivityScheduled {
			continue
		}
		var p workflow.ActivityScheduledPayload
		if err := ev.Decode(&p); err != nil {
			continue
		}
		if p.ActivityID == activityID {
			return p, true
		}
	}
	return workflow.ActivityScheduledPayload{}, false
}
