package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/conductor/ledger"
	"github.com/deepnoodle-ai/conductor/slogger"
	"github.com/deepnoodle-ai/conductor/workflow"
)

// breakpointController manages the decision lifecycle of breakpoint steps.
// Reaching a breakpoint creates a durable pending decision and parks the
// run; no goroutine waits on it and the process may exit. A later external
// resolution (or a synthesized expiry outcome) re-schedules the run, and
// replay carries execution back to the breakpoint, which now reads the
// consumed decision instead of parking again.
type breakpointController struct {
	store  ledger.DecisionStore
	logger slogger.Logger
	clock  func() time.Time
}

func newBreakpointController(store ledger.DecisionStore, logger slogger.Logger) *breakpointController {
	return &breakpointController{store: store, logger: logger, clock: time.Now}
}

// ensure creates the decision for a breakpoint if it does not exist yet and
// returns its current state. The decision id equals the breakpoint's effect
// id, so replay always addresses the same decision.
func (b *breakpointController) ensure(ctx context.Context, run *ledger.RunRecord, step *workflow.Step, stepPath string, iteration int, snapshot map[string]any) (*ledger.Decision, error) {
	spec := step.Breakpoint()
	decision := &ledger.Decision{
		ID:              ledger.EffectID(run.ID, stepPath, iteration),
		RunID:           run.ID,
		Process:         run.Process,
		Step:            step.Name(),
		Prompt:          spec.Prompt,
		Snapshot:        snapshot,
		AllowedOutcomes: spec.Outcomes,
		ExpiryPolicy:    string(spec.ExpiryPolicy),
	}
	if spec.Expiry > 0 {
		expiresAt := b.clock().Add(spec.Expiry)
		decision.ExpiresAt = &expiresAt
	}
	if err := b.store.PutDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("failed to create decision: %w", err)
	}
	return b.store.GetDecision(ctx, decision.ID)
}

// outcome converts a consumed decision into the context entry recorded
// under the breakpoint step's name.
func (b *breakpointController) outcome(decision *ledger.Decision) map[string]any {
	entry := map[string]any{
		"outcome": string(decision.Status),
	}
	if decision.Resolution != nil {
		if decision.Resolution.Note != "" {
			entry["note"] = decision.Resolution.Note
		}
		if decision.Resolution.ResolvedBy != "" {
			entry["resolved_by"] = decision.Resolution.ResolvedBy
		}
		if len(decision.Resolution.Edits) > 0 {
			entry["edits"] = decision.Resolution.Edits
		}
		if decision.Resolution.Synthesized {
			entry["synthesized"] = true
		}
	}
	return entry
}

// sweepExpired synthesizes the configured default outcome for every
// awaiting decision whose expiry has passed. It returns the run ids that
// should be re-scheduled.
func (b *breakpointController) sweepExpired(ctx context.Context) ([]string, error) {
	expired, err := b.store.ListDecisions(ctx, ledger.DecisionFilter{
		Status:        ledger.DecisionStatusAwaiting,
		ExpiresBefore: b.clock(),
	})
	if err != nil {
		return nil, err
	}
	var runIDs []string
	for _, decision := range expired {
		status := ledger.DecisionStatusRejected
		if decision.ExpiryPolicy == string(workflow.ExpiryPolicyApprove) {
			status = ledger.DecisionStatusApproved
		}
		resolution := &ledger.Resolution{
			Status:      status,
			Note:        "decision expired",
			ResolvedBy:  "expiry",
			ResolvedAt:  b.clock(),
			Synthesized: true,
		}
		err := b.store.ResolveDecision(ctx, decision.ID, resolution)
		if err == ledger.ErrDecisionResolved {
			// lost the race to a concurrent resolver
			continue
		}
		if err != nil {
			return nil, err
		}
		b.logger.Info("decision expired",
			"decision_id", decision.ID,
			"run_id", decision.RunID,
			"outcome", status)
		runIDs = append(runIDs, decision.RunID)
	}
	return runIDs, nil
}
