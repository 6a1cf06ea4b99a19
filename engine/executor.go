package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/ledger"
	"github.com/deepnoodle-ai/conductor/retry"
	"github.com/deepnoodle-ai/conductor/schema"
	"github.com/deepnoodle-ai/conductor/slogger"
	"github.com/deepnoodle-ai/conductor/workflow"
)

// taskExecutor runs task steps with at-most-once semantics. Every execution
// is addressed by a deterministic effect id: a succeeded effect short-circuits
// to its recorded result without touching the agent, concurrent in-process
// callers share a single invocation, and failures are retried under the
// step's policy with exponential backoff.
type taskExecutor struct {
	store   ledger.EffectStore
	invoker conductor.AgentInvoker
	logger  slogger.Logger

	mutex    sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	done   chan struct{}
	result map[string]any
	err    error
}

func newTaskExecutor(store ledger.EffectStore, invoker conductor.AgentInvoker, logger slogger.Logger) *taskExecutor {
	return &taskExecutor{
		store:    store,
		invoker:  invoker,
		logger:   logger,
		inflight: make(map[string]*inflightCall),
	}
}

// Execute runs one task step execution identified by (runID, stepPath,
// iteration). It returns the step's validated result, recorded durably
// before it is returned.
func (e *taskExecutor) Execute(ctx context.Context, runID string, step *workflow.Step, stepPath string, iteration int, input map[string]any) (map[string]any, error) {
	effectID := ledger.EffectID(runID, stepPath, iteration)

	// in-process singleflight: concurrent callers of the same effect share
	// one invocation and one result
	e.mutex.Lock()
	if call, ok := e.inflight[effectID]; ok {
		e.mutex.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	e.inflight[effectID] = call
	e.mutex.Unlock()

	call.result, call.err = e.execute(ctx, effectID, runID, step, stepPath, iteration, input)
	close(call.done)

	e.mutex.Lock()
	delete(e.inflight, effectID)
	e.mutex.Unlock()

	return call.result, call.err
}

func (e *taskExecutor) execute(ctx context.Context, effectID, runID string, step *workflow.Step, stepPath string, iteration int, input map[string]any) (map[string]any, error) {
	policy := step.RetryPolicy()
	var failures []conductor.AttemptFailure

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempt, err := e.store.RecordAttempt(ctx, &ledger.Effect{
			ID:        effectID,
			RunID:     runID,
			StepPath:  stepPath,
			Iteration: iteration,
			Input:     input,
		})
		if err != nil {
			return nil, err
		}
		if !attempt.Claimed {
			switch attempt.Effect.Status {
			case ledger.EffectStatusSucceeded:
				// replay: the work already happened, return its result
				// without invoking the agent
				return attempt.Effect.Result, nil
			default:
				// a pending claim with no in-process flight belongs to a
				// process that died mid-attempt; fail it and re-claim
				if err := e.store.RecordFailure(ctx, effectID, "attempt abandoned"); err != nil {
					return nil, err
				}
				continue
			}
		}

		e.logger.Debug("executing task",
			"run_id", runID,
			"step", stepPath,
			"attempt", attempt.Effect.Attempts)

		result, execErr := e.invoke(ctx, runID, step, input)
		if execErr == nil {
			execErr = schema.Validate(result, step.Contract())
		}
		if execErr == nil {
			if err := e.store.RecordResult(ctx, effectID, result); err != nil {
				return nil, err
			}
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			// cancellation is not a step failure; leave the claim pending
			// for the abandoned-attempt path on resume
			return nil, err
		}

		kind := classifyFailure(execErr)
		failures = append(failures, conductor.AttemptFailure{
			Attempt: attempt.Effect.Attempts,
			Kind:    kind,
			Cause:   execErr.Error(),
			At:      time.Now(),
		})
		if err := e.store.RecordFailure(ctx, effectID, execErr.Error()); err != nil {
			return nil, err
		}
		e.logger.Warn("task attempt failed",
			"run_id", runID,
			"step", stepPath,
			"attempt", attempt.Effect.Attempts,
			"kind", kind,
			"error", execErr)

		if attempt.Effect.Attempts >= policy.MaxAttempts || !retry.Retryable(execErr) {
			return nil, &conductor.StepFailedError{
				Step:     step.Name(),
				Kind:     kind,
				Attempts: failures,
				Err:      execErr,
			}
		}

		// a validation failure feeds the violations into the next attempt
		var validationErr *schema.ValidationError
		if errors.As(execErr, &validationErr) {
			input = withValidationFeedback(input, validationErr)
		}
		if err := policy.Wait(ctx, attempt.Effect.Attempts+1); err != nil {
			return nil, err
		}
	}
}

// invoke crosses the agent boundary with the step's timeout applied. Every
// agent failure is wrapped in an AgentError; cancellation of the run's own
// context is passed through unwrapped so it is not retried.
func (e *taskExecutor) invoke(ctx context.Context, runID string, step *workflow.Step, input map[string]any) (map[string]any, error) {
	callCtx := ctx
	if step.Timeout() > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, step.Timeout())
		defer cancel()
	}
	result, err := e.invoker.Invoke(callCtx, &conductor.AgentCall{
		Agent:    step.Agent(),
		Input:    input,
		RunID:    runID,
		StepName: step.Name(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		timeout := errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(callCtx.Err(), context.DeadlineExceeded)
		return nil, &conductor.AgentError{
			Agent:   step.Agent(),
			Timeout: timeout,
			Err:     err,
		}
	}
	return result, nil
}

// withValidationFeedback copies the input and attaches the contract
// violations so the agent can correct its output on the next attempt.
func withValidationFeedback(input map[string]any, err *schema.ValidationError) map[string]any {
	mutated := make(map[string]any, len(input)+1)
	for k, v := range input {
		mutated[k] = v
	}
	var violations []any
	for _, v := range err.Violations {
		violations = append(violations, v)
	}
	mutated["validation_feedback"] = violations
	return mutated
}

func classifyFailure(err error) conductor.FailureKind {
	var validationErr *schema.ValidationError
	if errors.As(err, &validationErr) {
		return conductor.FailureKindValidation
	}
	var agentErr *conductor.AgentError
	if errors.As(err, &agentErr) {
		if agentErr.Timeout {
			return conductor.FailureKindTimeout
		}
		return conductor.FailureKindAgent
	}
	if errors.Is(err, context.Canceled) {
		return conductor.FailureKindCanceled
	}
	if errors.Is(err, ledger.ErrDuplicateResult) {
		return conductor.FailureKindLedger
	}
	return conductor.FailureKindAgent
}
