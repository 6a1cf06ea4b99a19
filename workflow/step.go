package workflow

import (
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/retry"
	"github.com/deepnoodle-ai/conductor/schema"
)

// StepType identifies what a step does when the interpreter reaches it.
type StepType string

const (
	// StepTypeTask delegates work to an external agent and expects a
	// contract-validated result.
	StepTypeTask StepType = "task"

	// StepTypeBreakpoint pauses execution pending an external decision.
	StepTypeBreakpoint StepType = "breakpoint"

	// StepTypeGate branches on conditions evaluated over the run context.
	StepTypeGate StepType = "gate"

	// StepTypeIteration repeats a block of steps until a convergence
	// predicate holds or a maximum iteration count is reached.
	StepTypeIteration StepType = "iteration"

	// StepTypeSubprocess runs another process definition as a child run.
	StepTypeSubprocess StepType = "subprocess"

	// StepTypeParallel fans out independent task steps and joins them
	// before the next step proceeds.
	StepTypeParallel StepType = "parallel"
)

// ExpiryPolicy selects the outcome synthesized when a breakpoint decision
// expires without a resolution.
type ExpiryPolicy string

const (
	ExpiryPolicyReject  ExpiryPolicy = "reject"
	ExpiryPolicyApprove ExpiryPolicy = "approve"
)

// Edge connects a step to a possible next step. An empty condition always
// matches; otherwise the condition is a risor expression evaluated over the
// run's validated context.
type Edge struct {
	Step      string
	Condition string
}

// ArtifactSpec declares an artifact a task step produces. From names the
// result field holding the content; Reference marks the field as a pointer
// to external storage instead of inline content.
type ArtifactSpec struct {
	Path      string
	Format    conductor.ArtifactFormat
	From      string
	Reference bool
}

// IterationBlock is a bounded loop of steps repeated until a predicate over
// the accumulated history is satisfied. The predicate is a risor expression
// with history, last, and iteration in scope.
type IterationBlock struct {
	Body          []*Step
	Predicate     string
	MaxIterations int
}

// BreakpointSpec configures a breakpoint step: the prompt shown to the
// decision maker, the allowed outcomes, and the optional expiry.
type BreakpointSpec struct {
	Prompt       string
	Outcomes     []string
	Expiry       time.Duration
	ExpiryPolicy ExpiryPolicy
}

// Step is a single node in a process definition.
type Step struct {
	stepType   StepType
	name       string
	agent      string
	input      map[string]any
	contract   *schema.Schema
	retry      *retry.Policy
	timeout    time.Duration
	artifacts  []ArtifactSpec
	breakpoint *BreakpointSpec
	iteration  *IterationBlock
	branches   []*Step
	process    string
	next       []*Edge
}

// StepOptions configures a new step.
type StepOptions struct {
	Type       StepType
	Name       string
	Agent      string
	Input      map[string]any
	Contract   *schema.Schema
	Retry      *retry.Policy
	Timeout    time.Duration
	Artifacts  []ArtifactSpec
	Breakpoint *BreakpointSpec
	Iteration  *IterationBlock
	Branches   []*Step
	Process    string
	Next       []*Edge
}

// NewStep creates a step. A step with an agent and no explicit type is a
// task step.
func NewStep(opts StepOptions) *Step {
	if opts.Type == "" && opts.Agent != "" {
		opts.Type = StepTypeTask
	}
	return &Step{
		stepType:   opts.Type,
		name:       opts.Name,
		agent:      opts.Agent,
		input:      opts.Input,
		contract:   opts.Contract,
		retry:      opts.Retry,
		timeout:    opts.Timeout,
		artifacts:  opts.Artifacts,
		breakpoint: opts.Breakpoint,
		iteration:  opts.Iteration,
		branches:   opts.Branches,
		process:    opts.Process,
		next:       opts.Next,
	}
}

func (s *Step) Type() StepType {
	return s.stepType
}

func (s *Step) Name() string {
	return s.name
}

func (s *Step) Agent() string {
	return s.agent
}

// Input returns the step's input-construction parameters. String values
// containing ${...} are evaluated against the run context before the agent
// is invoked.
func (s *Step) Input() map[string]any {
	return s.input
}

func (s *Step) Contract() *schema.Schema {
	return s.contract
}

// RetryPolicy returns the step's retry policy, falling back to the default.
func (s *Step) RetryPolicy() retry.Policy {
	if s.retry == nil {
		return retry.DefaultPolicy()
	}
	return s.retry.Normalize()
}

func (s *Step) Timeout() time.Duration {
	return s.timeout
}

func (s *Step) Artifacts() []ArtifactSpec {
	return s.artifacts
}

func (s *Step) Breakpoint() *BreakpointSpec {
	return s.breakpoint
}

func (s *Step) Iteration() *IterationBlock {
	return s.iteration
}

func (s *Step) Branches() []*Step {
	return s.branches
}

// Process returns the name of the child process for a subprocess step.
func (s *Step) Process() string {
	return s.process
}

// Next returns the outgoing edges of this step.
func (s *Step) Next() []*Edge {
	return s.next
}
