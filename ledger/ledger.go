// Package ledger persists the engine's durable state: effects (the
// append-only record of every task invocation attempt and its outcome),
// pending decisions created by breakpoints, and run records. All stores
// guarantee that for a given effect id at most one non-failed terminal
// result is ever recorded, and that a pending attempt is claimed exactly
// once — the foundation of the engine's at-most-once execution.
package ledger

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/conductor"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateResult indicates a second terminal result was written
	// for an already-succeeded effect. This is a programming-contract
	// violation in the caller: it is always fatal and never retried.
	ErrDuplicateResult = errors.New("duplicate result for succeeded effect")

	// ErrDecisionResolved indicates a decision was already consumed by an
	// earlier resolution.
	ErrDecisionResolved = errors.New("decision already resolved")

	// ErrNotClaimed indicates a result was recorded for an effect that has
	// no attempt in flight.
	ErrNotClaimed = errors.New("effect has no attempt in flight")
)

// EffectStatus is the lifecycle state of an effect.
type EffectStatus string

const (
	EffectStatusPending   EffectStatus = "pending"
	EffectStatusSucceeded EffectStatus = "succeeded"
	EffectStatusFailed    EffectStatus = "failed"
)

// Effect is the durable record of one task-step execution attempt. Its id
// is a deterministic function of the run id, step path, and iteration
// index, so re-entering the same logical step always addresses the same
// record.
type Effect struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepPath  string         `json:"step_path"`
	Iteration int            `json:"iteration"`
	Status    EffectStatus   `json:"status"`
	Input     map[string]any `json:"input,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Failure   string         `json:"failure,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EffectID derives the deterministic identifier for a step execution.
func EffectID(runID, stepPath string, iteration int) string {
	hash := sha256.New()
	fmt.Fprintf(hash, "%s\x00%s\x00%d", runID, stepPath, iteration)
	return fmt.Sprintf("eff_%x", hash.Sum(nil)[:16])
}

// Attempt is the outcome of a RecordAttempt call. Claimed is true for
// exactly one caller per new attempt; every caller receives the current
// effect record.
type Attempt struct {
	Claimed bool
	Effect  *Effect
}

// DecisionStatus is the lifecycle state of a pending decision.
type DecisionStatus string

const (
	DecisionStatusAwaiting DecisionStatus = "awaiting"
	DecisionStatusApproved DecisionStatus = "approved"
	DecisionStatusRejected DecisionStatus = "rejected"
	DecisionStatusModified DecisionStatus = "modified"
)

// Terminal returns true once the decision has been consumed.
func (s DecisionStatus) Terminal() bool {
	return s == DecisionStatusApproved || s == DecisionStatusRejected || s == DecisionStatusModified
}

// Decision is the durable record created by a breakpoint step. Its id
// equals the breakpoint's effect id. It is consumed exactly once by an
// external resolution (or a synthesized expiry outcome); afterwards it is
// immutable history.
type Decision struct {
	ID              string                `json:"id"`
	RunID           string                `json:"run_id"`
	Process         string                `json:"process"`
	Step            string                `json:"step"`
	Prompt          string                `json:"prompt"`
	Snapshot        map[string]any        `json:"snapshot,omitempty"`
	AllowedOutcomes []string              `json:"allowed_outcomes,omitempty"`
	Status          DecisionStatus        `json:"status"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	ExpiryPolicy    string                `json:"expiry_policy,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	Resolution      *Resolution           `json:"resolution,omitempty"`
}

// Resolution records how a decision was consumed.
type Resolution struct {
	Status      DecisionStatus `json:"status"`
	Edits       map[string]any `json:"edits,omitempty"`
	Note        string         `json:"note,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	ResolvedAt  time.Time      `json:"resolved_at"`
	Synthesized bool           `json:"synthesized,omitempty"`
}

// FailureRecord is the serializable form of a run's terminal failure.
type FailureRecord struct {
	Step     string                     `json:"step"`
	Kind     conductor.FailureKind      `json:"kind"`
	Attempts []conductor.AttemptFailure `json:"attempts,omitempty"`
	Cause    string                     `json:"cause"`
}

// RunRecord is the durable header of a workflow run. The run's context is
// deliberately absent: it is re-derived from succeeded effects on resume,
// which keeps the ledger the single source of truth for the cursor.
type RunRecord struct {
	ID             string                `json:"id"`
	Process        string                `json:"process"`
	Version        int                   `json:"version"`
	ParentRunID    string                `json:"parent_run_id,omitempty"`
	ParentEffectID string                `json:"parent_effect_id,omitempty"`
	Status         conductor.RunStatus   `json:"status"`
	Inputs         map[string]any        `json:"inputs,omitempty"`
	Outputs        map[string]any        `json:"outputs,omitempty"`
	Artifacts      []conductor.Artifact  `json:"artifacts,omitempty"`
	Failure        *FailureRecord        `json:"failure,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        time.Time             `json:"end_time,omitempty"`
}

// RunFilter selects runs in List calls. Process supports glob patterns.
type RunFilter struct {
	Process string
	Status  conductor.RunStatus
	Limit   int
}

// DecisionFilter selects decisions in List calls. Process supports glob
// patterns. ExpiresBefore selects awaiting decisions whose expiry has
// passed.
type DecisionFilter struct {
	RunID         string
	Process       string
	Status        DecisionStatus
	ExpiresBefore time.Time
	Limit         int
}

// EffectStore records task invocation attempts and outcomes.
type EffectStore interface {
	// RecordAttempt claims an attempt for the given effect. For a new or
	// previously failed effect the caller is granted the claim; for an
	// effect that is pending or succeeded the claim is refused and the
	// current record returned. Exactly one concurrent caller is granted a
	// claim per attempt.
	RecordAttempt(ctx context.Context, effect *Effect) (*Attempt, error)

	// RecordResult durably records a successful result for a claimed
	// effect. Returns ErrDuplicateResult if the effect already succeeded
	// and ErrNotClaimed if no attempt is in flight.
	RecordResult(ctx context.Context, effectID string, result map[string]any) error

	// RecordFailure marks a claimed effect's attempt as failed.
	RecordFailure(ctx context.Context, effectID string, cause string) error

	// GetEffect returns an effect by id, or ErrNotFound.
	GetEffect(ctx context.Context, effectID string) (*Effect, error)

	// ListEffects returns all effects belonging to a run.
	ListEffects(ctx context.Context, runID string) ([]*Effect, error)
}

// DecisionStore persists pending decisions.
type DecisionStore interface {
	// PutDecision creates a decision if it does not already exist. Putting
	// an existing decision is a no-op, which makes breakpoint replay safe.
	PutDecision(ctx context.Context, decision *Decision) error

	// GetDecision returns a decision by id, or ErrNotFound.
	GetDecision(ctx context.Context, decisionID string) (*Decision, error)

	// ResolveDecision consumes an awaiting decision exactly once. A second
	// resolution returns ErrDecisionResolved.
	ResolveDecision(ctx context.Context, decisionID string, resolution *Resolution) error

	// ListDecisions returns decisions matching the filter.
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error)
}

// RunStore persists run records.
type RunStore interface {
	// SaveRun inserts or updates a run record.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun returns a run record by id, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns returns run records matching the filter.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// DeleteRun removes a run and all records it owns. This is retention
	// cleanup: runs are never deleted implicitly.
	DeleteRun(ctx context.Context, runID string) error
}

// Store is the full persistence surface required by the engine.
type Store interface {
	EffectStore
	DecisionStore
	RunStore
}
