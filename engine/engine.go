// Package engine executes workflow runs durably. The interpreter replays
// each run's step graph against the effect ledger: succeeded effects
// short-circuit, pending decisions park the run without holding a worker,
// and a process restart resumes every run exactly where its ledger says it
// stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/ledger"
	"github.com/deepnoodle-ai/conductor/slogger"
	"github.com/deepnoodle-ai/conductor/workflow"
)

const (
	defaultWorkers       = 4
	defaultSweepInterval = 15 * time.Second
	waitPollInterval     = 10 * time.Millisecond
)

// ProcessRegistry resolves process definitions by name and version. The
// config package's Registry satisfies this interface.
type ProcessRegistry interface {
	Get(name string) (*workflow.Process, error)
	GetVersion(name string, version int) (*workflow.Process, error)
}

// Options configures a new Engine.
type Options struct {
	Store         ledger.Store
	Registry      ProcessRegistry
	Invoker       conductor.AgentInvoker
	Logger        slogger.Logger
	Formatter     RunFormatter
	Workers       int
	SweepInterval time.Duration
}

// Engine is the workflow interpreter's public surface. One engine advances
// many runs concurrently on a bounded worker pool; a single run's steps
// execute sequentially except inside parallel blocks.
type Engine struct {
	store     ledger.Store
	registry  ProcessRegistry
	invoker   conductor.AgentInvoker
	logger    slogger.Logger
	formatter RunFormatter

	executor    *taskExecutor
	breakpoints *breakpointController
	iterations  *iterationController

	queue  chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	active  map[string]bool
	cancels map[string]context.CancelFunc
}

// New creates an engine and starts its worker pool and expiry sweeper.
// Call Close to stop them.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("agent invoker is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Formatter == nil {
		opts.Formatter = &nullFormatter{}
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	breakpoints := newBreakpointController(opts.Store, opts.Logger)
	executor := newTaskExecutor(opts.Store, opts.Invoker, opts.Logger)
	e := &Engine{
		store:       opts.Store,
		registry:    opts.Registry,
		invoker:     opts.Invoker,
		logger:      opts.Logger,
		formatter:   opts.Formatter,
		executor:    executor,
		breakpoints: breakpoints,
		iterations:  newIterationController(executor, breakpoints, opts.Logger),
		queue:       make(chan string, 1024),
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[string]bool),
		cancels:     make(map[string]context.CancelFunc),
	}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.sweeper(opts.SweepInterval)
	return e, nil
}

// Close stops the worker pool and sweeper. In-flight runs observe the
// cancellation cooperatively; succeeded effects are never rolled back.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Start creates a new run of the named process and schedules it. The run id
// is returned immediately; use Wait or WaitForDecision to observe progress.
func (e *Engine) Start(ctx context.Context, processName string, inputs map[string]any) (string, error) {
	run, err := e.createRun(ctx, processName, inputs, "", "", conductor.NewRunID())
	if err != nil {
		return "", err
	}
	e.schedule(run.ID)
	return run.ID, nil
}

// Resume re-schedules an existing run. The cursor is re-derived from the
// ledger, so resuming a run that already finished a step never re-executes
// it.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already finished (%s)", runID, run.Status)
	}
	e.schedule(runID)
	return nil
}

// GetRun returns the current run record.
func (e *Engine) GetRun(ctx context.Context, runID string) (*ledger.RunRecord, error) {
	return e.store.GetRun(ctx, runID)
}

// GetRunContext reconstructs a run's accumulated context from the ledger:
// the validated result of every succeeded effect keyed by step name, plus
// the outcome of every consumed decision. For iterated steps the latest
// iteration's result wins.
func (e *Engine) GetRunContext(ctx context.Context, runID string) (map[string]any, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	effects, err := e.store.ListEffects(ctx, runID)
	if err != nil {
		return nil, err
	}
	derived := make(map[string]any)
	for _, effect := range effects {
		if effect.Status != ledger.EffectStatusSucceeded {
			continue
		}
		derived[stepNameOf(effect.StepPath)] = effect.Result
	}
	decisions, err := e.store.ListDecisions(ctx, ledger.DecisionFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	for _, decision := range decisions {
		if !decision.Status.Terminal() {
			continue
		}
		derived[decision.Step] = e.breakpoints.outcome(decision)
	}
	return derived, nil
}

// stepNameOf strips the parent prefix from a nested step path.
func stepNameOf(stepPath string) string {
	if i := strings.LastIndex(stepPath, "."); i >= 0 {
		return stepPath[i+1:]
	}
	return stepPath
}

// ListRuns returns run records matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter ledger.RunFilter) ([]*ledger.RunRecord, error) {
	return e.store.ListRuns(ctx, filter)
}

// Cancel requests cooperative cancellation of a run. An actively executing
// run stops between steps; a parked run is marked canceled directly. Work
// already recorded in the ledger is never rolled back.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	e.mutex.Lock()
	cancel, executing := e.cancels[runID]
	e.mutex.Unlock()
	if executing {
		cancel()
		return nil
	}
	run.Status = conductor.RunStatusCanceled
	run.EndTime = time.Now()
	return e.store.SaveRun(ctx, run)
}

// ResolveOptions carries an external resolution of a pending decision.
type ResolveOptions struct {
	Outcome    string
	Edits      map[string]any
	Note       string
	ResolvedBy string
}

// ResolveDecision consumes a pending decision and re-schedules its run.
// A decision is consumed exactly once: a concurrent second resolution
// receives ledger.ErrDecisionResolved.
func (e *Engine) ResolveDecision(ctx context.Context, decisionID string, opts ResolveOptions) error {
	decision, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	status := ledger.DecisionStatus(opts.Outcome)
	switch status {
	case ledger.DecisionStatusApproved, ledger.DecisionStatusRejected, ledger.DecisionStatusModified:
	default:
		return fmt.Errorf("unknown decision outcome %q", opts.Outcome)
	}
	if len(decision.AllowedOutcomes) > 0 && !containsString(decision.AllowedOutcomes, opts.Outcome) {
		return fmt.Errorf("outcome %q not allowed for decision %s", opts.Outcome, decisionID)
	}
	resolution := &ledger.Resolution{
		Status:     status,
		Edits:      opts.Edits,
		Note:       opts.Note,
		ResolvedBy: opts.ResolvedBy,
		ResolvedAt: time.Now(),
	}
	if err := e.store.ResolveDecision(ctx, decisionID, resolution); err != nil {
		return err
	}
	e.logger.Info("decision resolved",
		"decision_id", decisionID,
		"run_id", decision.RunID,
		"outcome", opts.Outcome)
	e.schedule(decision.RunID)
	return nil
}

// ListPendingDecisions returns awaiting decisions matching the filter.
func (e *Engine) ListPendingDecisions(ctx context.Context, filter ledger.DecisionFilter) ([]*ledger.Decision, error) {
	filter.Status = ledger.DecisionStatusAwaiting
	return e.store.ListDecisions(ctx, filter)
}

// ListArtifacts returns a run's artifacts whose paths match a doublestar
// pattern. An empty pattern matches everything.
func (e *Engine) ListArtifacts(ctx context.Context, runID string, pattern string) ([]conductor.Artifact, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return run.Artifacts, nil
	}
	var matched []conductor.Artifact
	for _, artifact := range run.Artifacts {
		ok, err := doublestar.Match(pattern, artifact.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
		}
		if ok {
			matched = append(matched, artifact)
		}
	}
	return matched, nil
}

// Wait blocks until the run reaches a terminal status.
func (e *Engine) Wait(ctx context.Context, runID string) (*ledger.RunRecord, error) {
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// WaitForDecision blocks until the run has an awaiting decision.
func (e *Engine) WaitForDecision(ctx context.Context, runID string) (*ledger.Decision, error) {
	for {
		decisions, err := e.store.ListDecisions(ctx, ledger.DecisionFilter{
			RunID:  runID,
			Status: ledger.DecisionStatusAwaiting,
			Limit:  1,
		})
		if err != nil {
			return nil, err
		}
		if len(decisions) > 0 {
			return decisions[0], nil
		}
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return nil, fmt.Errorf("run %s finished (%s) without a pending decision",
				runID, run.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

func (e *Engine) createRun(ctx context.Context, processName string, inputs map[string]any, parentRunID, parentEffectID, runID string) (*ledger.RunRecord, error) {
	process, err := e.registry.Get(processName)
	if err != nil {
		return nil, err
	}
	resolved, err := applyInputDefaults(process, inputs)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	run := &ledger.RunRecord{
		ID:             runID,
		Process:        process.Name(),
		Version:        process.Version(),
		ParentRunID:    parentRunID,
		ParentEffectID: parentEffectID,
		Status:         conductor.RunStatusRunning,
		Inputs:         resolved,
		StartTime:      now,
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func applyInputDefaults(process *workflow.Process, inputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		resolved[k] = v
	}
	for _, input := range process.Inputs() {
		if _, ok := resolved[input.Name]; ok {
			continue
		}
		if input.Default != nil {
			resolved[input.Name] = input.Default
			continue
		}
		if input.Required {
			return nil, fmt.Errorf("process %q: required input %q missing",
				process.Name(), input.Name)
		}
	}
	return resolved, nil
}

func (e *Engine) schedule(runID string) {
	select {
	case e.queue <- runID:
	case <-e.ctx.Done():
	default:
		e.logger.Warn("run queue full, dropping schedule", "run_id", runID)
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case runID := <-e.queue:
			if err := e.executeRun(e.ctx, runID); err != nil {
				e.logger.Error("run execution error", "run_id", runID, "error", err)
			}
		}
	}
}

func (e *Engine) sweeper(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			runIDs, err := e.breakpoints.sweepExpired(e.ctx)
			if err != nil {
				e.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			for _, runID := range runIDs {
				e.schedule(runID)
			}
		}
	}
}

// executeRun interprets one run until it completes, parks, fails, or is
// canceled. It is idempotent: a duplicate schedule of an already-executing
// or already-finished run is a no-op.
func (e *Engine) executeRun(ctx context.Context, runID string) error {
	e.mutex.Lock()
	if e.active[runID] {
		e.mutex.Unlock()
		return nil
	}
	e.active[runID] = true
	runCtx, cancelRun := context.WithCancel(ctx)
	e.cancels[runID] = cancelRun
	e.mutex.Unlock()
	defer func() {
		cancelRun()
		e.mutex.Lock()
		delete(e.active, runID)
		delete(e.cancels, runID)
		e.mutex.Unlock()
	}()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	process, err := e.lookupProcess(run)
	if err != nil {
		return err
	}

	run.Status = conductor.RunStatusRunning
	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}
	e.formatter.RunStarted(run)
	e.logger.Info("run started",
		"run_id", run.ID,
		"process", run.Process,
		"version", run.Version)

	x := &execution{
		engine:     e,
		run:        run,
		process:    process,
		state:      newRunContext(run.Inputs),
		executor:   e.executor,
		breakpoint: e.breakpoints,
		iteration:  e.iterations,
		formatter:  e.formatter,
		logger:     e.logger,
	}
	execErr := x.execute(runCtx)

	run.Artifacts = x.state.artifactList()

	var parked *runParkedError
	switch {
	case execErr == nil:
		run.Status = conductor.RunStatusCompleted
		run.Outputs = outputsOf(x.state.lastValue())
		run.EndTime = time.Now()
	case errors.As(execErr, &parked):
		run.Status = conductor.RunStatusAwaitingDecision
		if err := e.store.SaveRun(ctx, run); err != nil {
			return err
		}
		if parked.decision != nil {
			e.formatter.DecisionRequested(parked.decision)
		}
		e.logger.Info("run parked", "run_id", run.ID)
		return nil
	case errors.Is(execErr, context.Canceled):
		if e.ctx.Err() != nil {
			// engine shutdown, not a cancellation of this run: leave the
			// persisted status untouched so a restarted engine can resume
			// from the ledger
			e.logger.Info("run interrupted by shutdown", "run_id", run.ID)
			return nil
		}
		run.Status = conductor.RunStatusCanceled
		run.EndTime = time.Now()
	default:
		run.Status = conductor.RunStatusFailed
		run.Failure = failureRecord(execErr)
		run.EndTime = time.Now()
	}

	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}
	e.formatter.RunFinished(run)
	e.logger.Info("run finished",
		"run_id", run.ID,
		"status", run.Status)

	// a terminal child wakes its parked parent
	if run.ParentRunID != "" {
		e.schedule(run.ParentRunID)
	}
	return nil
}

// lookupProcess pins a run to the definition version it started with.
func (e *Engine) lookupProcess(run *ledger.RunRecord) (*workflow.Process, error) {
	if run.Version > 0 {
		return e.registry.GetVersion(run.Process, run.Version)
	}
	return e.registry.Get(run.Process)
}

func failureRecord(err error) *ledger.FailureRecord {
	var stepErr *conductor.StepFailedError
	if errors.As(err, &stepErr) {
		return &ledger.FailureRecord{
			Step:     stepErr.Step,
			Kind:     stepErr.Kind,
			Attempts: stepErr.Attempts,
			Cause:    err.Error(),
		}
	}
	return &ledger.FailureRecord{
		Kind:  classifyFailure(err),
		Cause: err.Error(),
	}
}

func outputsOf(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	default:
		return map[string]any{"value": v}
	}
}

// childRunID derives a deterministic run id for a subprocess child, so a
// resumed parent always addresses the same child run.
func childRunID(parentEffectID string) string {
	return "run_" + ledger.EffectID(parentEffectID, "child", 0)[4:]
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
