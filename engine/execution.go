package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/ledger"
	"github.com/deepnoodle-ai/conductor/slogger"
	"github.com/deepnoodle-ai/conductor/workflow"
)

// runParkedError unwinds an execution when it reaches an unresolved
// decision. The run is left as parked ledger state; no goroutine waits on
// the decision.
type runParkedError struct {
	decision *ledger.Decision
}

func (e *runParkedError) Error() string {
	return fmt.Sprintf("run parked awaiting decision %s", e.decision.ID)
}

// execution interprets one workflow run. There is no persisted cursor: the
// position in the step graph is re-derived on every (re)start by walking the
// graph from the start step and replaying succeeded effects and consumed
// decisions. The walk is deterministic because gates only ever see validated
// results of succeeded effects.
type execution struct {
	engine     *Engine
	run        *ledger.RunRecord
	process    *workflow.Process
	state      *runContext
	executor   *taskExecutor
	breakpoint *breakpointController
	iteration  *iterationController
	formatter  RunFormatter
	logger     slogger.Logger
}

func (x *execution) execute(ctx context.Context) error {
	step := x.process.Start()
	for step != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.executeStep(ctx, step); err != nil {
			return err
		}
		next, err := x.nextStep(ctx, step)
		if err != nil {
			return err
		}
		step = next
	}
	return nil
}

func (x *execution) executeStep(ctx context.Context, step *workflow.Step) error {
	x.formatter.StepStarted(x.run.ID, step.Name())
	var err error
	switch step.Type() {
	case workflow.StepTypeTask:
		err = x.executeTask(ctx, step)
	case workflow.StepTypeBreakpoint:
		err = x.executeBreakpoint(ctx, step)
	case workflow.StepTypeGate:
		// gates do no work of their own; branching happens in nextStep
	case workflow.StepTypeIteration:
		err = x.executeIteration(ctx, step)
	case workflow.StepTypeSubprocess:
		err = x.executeSubprocess(ctx, step)
	case workflow.StepTypeParallel:
		err = x.executeParallel(ctx, step)
	default:
		err = fmt.Errorf("step %q: unknown step type %q", step.Name(), step.Type())
	}
	if err != nil {
		return err
	}
	x.formatter.StepCompleted(x.run.ID, step.Name())
	return nil
}

func (x *execution) executeTask(ctx context.Context, step *workflow.Step) error {
	input, err := evaluateParams(ctx, step.Input(), x.state.globals(nil))
	if err != nil {
		return fmt.Errorf("step %q: %w", step.Name(), err)
	}
	result, err := x.executor.Execute(ctx, x.run.ID, step, step.Name(), 0, input)
	if err != nil {
		return err
	}
	x.state.set(step.Name(), result)
	x.materializeArtifacts(step, result)
	return nil
}

func (x *execution) executeBreakpoint(ctx context.Context, step *workflow.Step) error {
	decision, err := x.breakpoint.ensure(ctx, x.run, step, step.Name(), 0, x.state.snapshot())
	if err != nil {
		return err
	}
	if decision.Status == ledger.DecisionStatusAwaiting {
		return &runParkedError{decision: decision}
	}
	if decision.Status == ledger.DecisionStatusRejected {
		return &conductor.StepFailedError{
			Step: step.Name(),
			Kind: conductor.FailureKindRejected,
			Err:  fmt.Errorf("decision rejected"),
		}
	}
	x.state.set(step.Name(), x.breakpoint.outcome(decision))
	return nil
}

func (x *execution) executeIteration(ctx context.Context, step *workflow.Step) error {
	result, err := x.iteration.runLoop(ctx, x.run, x.state, step)
	if err != nil {
		return err
	}
	x.state.set(step.Name(), result)
	return nil
}

// executeParallel fans the branch tasks out concurrently and joins them all
// before the step completes. Branch inputs are evaluated against the
// pre-fanout context, so branches never observe each other's results.
func (x *execution) executeParallel(ctx context.Context, step *workflow.Step) error {
	branches := step.Branches()
	globals := x.state.globals(nil)

	inputs := make([]map[string]any, len(branches))
	for i, branch := range branches {
		input, err := evaluateParams(ctx, branch.Input(), globals)
		if err != nil {
			return fmt.Errorf("step %q: %w", branch.Name(), err)
		}
		inputs[i] = input
	}

	results := make([]map[string]any, len(branches))
	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i, branch := range branches {
		wg.Add(1)
		go func(i int, branch *workflow.Step) {
			defer wg.Done()
			stepPath := step.Name() + "." + branch.Name()
			results[i], errs[i] = x.executor.Execute(
				ctx, x.run.ID, branch, stepPath, 0, inputs[i])
		}(i, branch)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	merged := make(map[string]any, len(branches))
	for i, branch := range branches {
		merged[branch.Name()] = results[i]
		x.state.set(branch.Name(), results[i])
		x.materializeArtifacts(branch, results[i])
	}
	x.state.set(step.Name(), merged)
	return nil
}

// executeSubprocess runs another process definition as a child run. The
// child's run id derives from the parent effect id, so a resumed parent
// always finds the same child. A parked child parks the parent; the child's
// completion re-schedules the parent, whose replay then records the child's
// outputs as the subprocess effect result.
func (x *execution) executeSubprocess(ctx context.Context, step *workflow.Step) error {
	effectID := ledger.EffectID(x.run.ID, step.Name(), 0)

	effect, err := x.engine.store.GetEffect(ctx, effectID)
	if err != nil && err != ledger.ErrNotFound {
		return err
	}
	if err == nil && effect.Status == ledger.EffectStatusSucceeded {
		x.state.set(step.Name(), effect.Result)
		return nil
	}

	childID := childRunID(effectID)
	child, err := x.engine.store.GetRun(ctx, childID)
	if err == ledger.ErrNotFound {
		input, perr := evaluateParams(ctx, step.Input(), x.state.globals(nil))
		if perr != nil {
			return fmt.Errorf("step %q: %w", step.Name(), perr)
		}
		child, err = x.engine.createRun(ctx, step.Process(), input, x.run.ID, effectID, childID)
	}
	if err != nil {
		return err
	}

	if !child.Status.Terminal() {
		if err := x.engine.executeRun(ctx, child.ID); err != nil {
			return err
		}
		child, err = x.engine.store.GetRun(ctx, childID)
		if err != nil {
			return err
		}
	}

	switch child.Status {
	case conductor.RunStatusCompleted:
		for {
			attempt, err := x.engine.store.RecordAttempt(ctx, &ledger.Effect{
				ID:       effectID,
				RunID:    x.run.ID,
				StepPath: step.Name(),
				Input:    child.Inputs,
			})
			if err != nil {
				return err
			}
			if attempt.Claimed {
				if err := x.engine.store.RecordResult(ctx, effectID, child.Outputs); err != nil {
					return err
				}
				break
			}
			if attempt.Effect.Status == ledger.EffectStatusSucceeded {
				break
			}
			// a pending claim left by a process that died before recording
			// the child's outputs; fail it and re-claim
			if err := x.engine.store.RecordFailure(ctx, effectID, "attempt abandoned"); err != nil {
				return err
			}
		}
		x.state.set(step.Name(), child.Outputs)
		for _, artifact := range child.Artifacts {
			x.state.addArtifact(artifact)
		}
		return nil
	case conductor.RunStatusAwaitingDecision:
		// the child is parked; park the parent with it
		decisions, err := x.engine.store.ListDecisions(ctx, ledger.DecisionFilter{
			RunID:  childID,
			Status: ledger.DecisionStatusAwaiting,
			Limit:  1,
		})
		if err != nil {
			return err
		}
		var decision *ledger.Decision
		if len(decisions) > 0 {
			decision = decisions[0]
		}
		return &runParkedError{decision: decision}
	case conductor.RunStatusCanceled:
		return context.Canceled
	default:
		cause := fmt.Errorf("subprocess %q failed", step.Process())
		if child.Failure != nil {
			cause = fmt.Errorf("subprocess %q failed: %s", step.Process(), child.Failure.Cause)
		}
		return &conductor.StepFailedError{
			Step: step.Name(),
			Kind: conductor.FailureKindAgent,
			Err:  cause,
		}
	}
}

// nextStep selects the next step by evaluating the outgoing edges in
// declaration order. The first edge whose condition holds wins; a step with
// no matching edge ends the walk, except for gates, where falling through
// every edge is an error.
func (x *execution) nextStep(ctx context.Context, step *workflow.Step) (*workflow.Step, error) {
	for _, edge := range step.Next() {
		ok, err := workflow.EvaluateCondition(ctx, edge.Condition, x.state.globals(nil))
		if err != nil {
			return nil, fmt.Errorf("step %q: condition failed: %w", step.Name(), err)
		}
		if !ok {
			continue
		}
		next, found := x.process.Graph().Get(edge.Step)
		if !found {
			return nil, fmt.Errorf("step %q: edge to unknown step %q", step.Name(), edge.Step)
		}
		return next, nil
	}
	if step.Type() == workflow.StepTypeGate && len(step.Next()) > 0 {
		return nil, fmt.Errorf("gate %q: no edge condition matched", step.Name())
	}
	return nil, nil
}

// materializeArtifacts records the artifacts a task step declares, pulling
// content from the named result field. Paths are unique within a run; a
// repeated path replaces the earlier artifact.
func (x *execution) materializeArtifacts(step *workflow.Step, result map[string]any) {
	for _, spec := range step.Artifacts() {
		value, ok := result[spec.From]
		if !ok {
			x.logger.Warn("artifact source field missing",
				"run_id", x.run.ID,
				"step", step.Name(),
				"path", spec.Path,
				"from", spec.From)
			continue
		}
		artifact := conductor.Artifact{
			Path:   spec.Path,
			Format: spec.Format,
			Step:   step.Name(),
		}
		if spec.Reference {
			artifact.Reference = fmt.Sprintf("%v", value)
		} else {
			artifact.Content = fmt.Sprintf("%v", value)
		}
		x.state.addArtifact(artifact)
	}
}
