package workflow

import (
	"fmt"
	"sort"
)

// Graph holds a process definition's steps indexed by name, with a single
// start step. Edges are validated to reference known steps.
type Graph struct {
	steps map[string]*Step
	start *Step
}

// NewGraph creates a graph containing the given steps. The first step is
// the start step.
func NewGraph(steps []*Step) *Graph {
	nodes := make(map[string]*Step, len(steps))
	for _, step := range steps {
		nodes[step.name] = step
	}
	var start *Step
	if len(steps) > 0 {
		start = steps[0]
	}
	return &Graph{steps: nodes, start: start}
}

// Start returns the start step of the graph
func (g *Graph) Start() *Step {
	return g.start
}

// Get returns a step by name
func (g *Graph) Get(name string) (*Step, bool) {
	step, ok := g.steps[name]
	return step, ok
}

// Names returns the sorted names of all steps in the graph
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.steps))
	for name := range g.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Graph) Validate() error {
	if len(g.steps) == 0 {
		return fmt.Errorf("graph must have at least one step")
	}
	if g.start == nil {
		return fmt.Errorf("graph start step required")
	}
	for _, step := range g.steps {
		if step.name == "" {
			return fmt.Errorf("step name cannot be empty")
		}
		for _, edge := range step.next {
			if _, ok := g.steps[edge.Step]; !ok {
				return fmt.Errorf("step %q: edge to unknown step %q", step.name, edge.Step)
			}
		}
		if err := validateStep(step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step *Step) error {
	switch step.stepType {
	case StepTypeTask:
		if step.agent == "" {
			return fmt.Errorf("task step %q: agent required", step.name)
		}
	case StepTypeBreakpoint:
		if step.breakpoint == nil {
			return fmt.Errorf("breakpoint step %q: breakpoint spec required", step.name)
		}
		if step.breakpoint.Expiry > 0 {
			switch step.breakpoint.ExpiryPolicy {
			case ExpiryPolicyApprove, ExpiryPolicyReject:
			default:
				return fmt.Errorf("breakpoint step %q: unknown expiry policy %q",
					step.name, step.breakpoint.ExpiryPolicy)
			}
		}
	case StepTypeGate:
		if len(step.next) == 0 {
			return fmt.Errorf("gate step %q: at least one edge required", step.name)
		}
	case StepTypeIteration:
		block := step.iteration
		if block == nil {
			return fmt.Errorf("iteration step %q: iteration block required", step.name)
		}
		if len(block.Body) == 0 {
			return fmt.Errorf("iteration step %q: body steps required", step.name)
		}
		if block.MaxIterations <= 0 {
			return fmt.Errorf("iteration step %q: max iterations must be positive", step.name)
		}
		for _, body := range block.Body {
			if body.stepType != StepTypeTask && body.stepType != StepTypeBreakpoint {
				return fmt.Errorf("iteration step %q: body step %q must be a task or breakpoint",
					step.name, body.name)
			}
			if err := validateStep(body); err != nil {
				return err
			}
		}
	case StepTypeSubprocess:
		if step.process == "" {
			return fmt.Errorf("subprocess step %q: process name required", step.name)
		}
	case StepTypeParallel:
		if len(step.branches) == 0 {
			return fmt.Errorf("parallel step %q: branches required", step.name)
		}
		for _, branch := range step.branches {
			if branch.stepType != StepTypeTask {
				return fmt.Errorf("parallel step %q: branch %q must be a task step",
					step.name, branch.name)
			}
			if err := validateStep(branch); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("step %q: unknown step type %q", step.name, step.stepType)
	}
	return nil
}
