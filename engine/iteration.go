package engine

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/ledger"
	"github.com/deepnoodle-ai/conductor/slogger"
	"github.com/deepnoodle-ai/conductor/workflow"
)

// iterationController runs bounded refinement loops. Each pass executes the
// block's body steps with their effects salted by the iteration index, then
// evaluates the convergence predicate over the accumulated history. Reaching
// the iteration cap without convergence is a normal outcome, recorded as
// converged=false, not a failure.
type iterationController struct {
	executor    *taskExecutor
	breakpoints *breakpointController
	logger      slogger.Logger
}

func newIterationController(executor *taskExecutor, breakpoints *breakpointController, logger slogger.Logger) *iterationController {
	return &iterationController{
		executor:    executor,
		breakpoints: breakpoints,
		logger:      logger,
	}
}

// runLoop executes an iteration step to completion. The returned map is the
// step's context entry: converged, iterations, and the last pass's result.
func (c *iterationController) runLoop(ctx context.Context, run *ledger.RunRecord, state *runContext, step *workflow.Step) (map[string]any, error) {
	block := step.Iteration()
	var history []any
	var last any
	converged := false
	iterations := 0

	for i := 0; i < block.MaxIterations; i++ {
		results := make(map[string]any, len(block.Body))
		for _, body := range block.Body {
			stepPath := step.Name() + "." + body.Name()
			var entry any
			var err error
			switch body.Type() {
			case workflow.StepTypeBreakpoint:
				entry, err = c.runBodyBreakpoint(ctx, run, state, body, stepPath, i)
			default:
				entry, err = c.runBodyTask(ctx, run, state, body, stepPath, i, history, last)
			}
			if err != nil {
				return nil, err
			}
			results[body.Name()] = entry
			state.set(body.Name(), entry)
		}
		iterations = i + 1
		if len(block.Body) == 1 {
			last = results[block.Body[0].Name()]
		} else {
			last = results
		}
		history = append(history, last)

		if block.Predicate == "" {
			continue
		}
		ok, err := workflow.EvaluateCondition(ctx, block.Predicate, state.globals(map[string]any{
			"history":   history,
			"last":      last,
			"iteration": iterations,
		}))
		if err != nil {
			return nil, fmt.Errorf("iteration %q: predicate failed: %w", step.Name(), err)
		}
		if ok {
			converged = true
			break
		}
	}

	c.logger.Debug("iteration finished",
		"run_id", run.ID,
		"step", step.Name(),
		"iterations", iterations,
		"converged", converged)

	return map[string]any{
		"converged":  converged,
		"iterations": iterations,
		"last":       last,
	}, nil
}

func (c *iterationController) runBodyTask(ctx context.Context, run *ledger.RunRecord, state *runContext, body *workflow.Step, stepPath string, iteration int, history []any, last any) (any, error) {
	input, err := evaluateParams(ctx, body.Input(), state.globals(map[string]any{
		"history":   history,
		"last":      last,
		"iteration": iteration,
	}))
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", body.Name(), err)
	}
	return c.executor.Execute(ctx, run.ID, body, stepPath, iteration, input)
}

func (c *iterationController) runBodyBreakpoint(ctx context.Context, run *ledger.RunRecord, state *runContext, body *workflow.Step, stepPath string, iteration int) (any, error) {
	decision, err := c.breakpoints.ensure(ctx, run, body, stepPath, iteration, state.snapshot())
	if err != nil {
		return nil, err
	}
	if decision.Status == ledger.DecisionStatusAwaiting {
		return nil, &runParkedError{decision: decision}
	}
	if decision.Status == ledger.DecisionStatusRejected {
		return nil, &conductor.StepFailedError{
			Step: body.Name(),
			Kind: conductor.FailureKindRejected,
			Err:  fmt.Errorf("decision rejected"),
		}
	}
	return c.breakpoints.outcome(decision), nil
}
