package conductor

import (
	"fmt"
	"time"
)

// FailureKind classifies a step failure in the error taxonomy. The kind
// determines retryability: agent and validation failures are absorbed by
// the retry policy, ledger integrity violations are always fatal.
type FailureKind string

const (
	FailureKindAgent      FailureKind = "agent_error"
	FailureKindValidation FailureKind = "validation_error"
	FailureKindTimeout    FailureKind = "timeout"
	FailureKindLedger     FailureKind = "ledger_integrity"
	FailureKindCanceled   FailureKind = "canceled"
	FailureKindRejected   FailureKind = "rejected"
)

// AgentError indicates that an external agent call failed or timed out.
// Retryable per the step's retry policy.
type AgentError struct {
	Agent   string
	Timeout bool
	Err     error
}

func (e *AgentError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent %q timed out: %v", e.Agent, e.Err)
	}
	return fmt.Sprintf("agent %q failed: %v", e.Agent, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// AttemptFailure records the cause of one failed execution attempt,
// carried on a StepFailedError for diagnostics.
type AttemptFailure struct {
	Attempt int         `json:"attempt"`
	Kind    FailureKind `json:"kind"`
	Cause   string      `json:"cause"`
	At      time.Time   `json:"at"`
}

// StepFailedError is the terminal outcome of a step whose retry budget is
// exhausted. It carries the failing step's name, the taxonomy kind of the
// final cause, and the per-attempt causes, so a failed run can be diagnosed
// without replaying the ledger by hand.
type StepFailedError struct {
	Step     string           `json:"step"`
	Kind     FailureKind      `json:"kind"`
	Attempts []AttemptFailure `json:"attempts"`
	Err      error            `json:"-"`
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed (%s) after %d attempts: %v",
		e.Step, e.Kind, len(e.Attempts), e.Err)
}

func (e *StepFailedError) Unwrap() error {
	return e.Err
}
