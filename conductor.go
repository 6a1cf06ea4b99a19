package conductor

import (
	"context"
	"log"

	"go.jetify.com/typeid"
)

// RunStatus indicates a WorkflowRun's execution status
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingDecision RunStatus = "awaiting_decision"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCanceled         RunStatus = "canceled"
)

// Terminal returns true if the status is a terminal state
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// ArtifactFormat defines how an artifact's content is interpreted
type ArtifactFormat string

const (
	ArtifactFormatText     ArtifactFormat = "text"
	ArtifactFormatMarkdown ArtifactFormat = "markdown"
	ArtifactFormatJSON     ArtifactFormat = "json"
	ArtifactFormatCSV      ArtifactFormat = "csv"
)

// Artifact is a named, formatted piece of output produced by a step and
// carried forward for inspection or delivery. Exactly one of Content and
// Reference is set: small artifacts embed their content, large ones point
// to external storage. Path is unique within one run.
type Artifact struct {
	Path      string         `json:"path"`
	Format    ArtifactFormat `json:"format"`
	Content   string         `json:"content,omitempty"`
	Reference string         `json:"reference,omitempty"`
	Step      string         `json:"step,omitempty"`
}

// AgentCall carries one request across the agent invocation boundary.
// Input is an opaque, schema-validated-on-return payload: the engine never
// branches on its content.
type AgentCall struct {
	Agent    string         `json:"agent"`
	Input    map[string]any `json:"input"`
	RunID    string         `json:"run_id"`
	StepName string         `json:"step_name"`
}

// AgentInvoker is the boundary to the external agents that perform task
// work. Implementations may be slow (seconds to hours) and may fail; the
// task executor is the only component that crosses this boundary, and it
// wraps every failure in an AgentError.
type AgentInvoker interface {
	Invoke(ctx context.Context, call *AgentCall) (map[string]any, error)
}

// AgentInvokerFunc adapts a function to the AgentInvoker interface.
type AgentInvokerFunc func(ctx context.Context, call *AgentCall) (map[string]any, error)

func (f AgentInvokerFunc) Invoke(ctx context.Context, call *AgentCall) (map[string]any, error) {
	return f(ctx, call)
}

// NewRunID creates a new workflow run id
func NewRunID() string {
	value, err := typeid.WithPrefix("run")
	if err != nil {
		log.Fatalf("error creating new id: %v", err)
	}
	return value.String()
}
