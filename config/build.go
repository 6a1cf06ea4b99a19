package config

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/retry"
	"github.com/deepnoodle-ai/conductor/workflow"
)

// Build converts a parsed definition into a validated workflow.Process.
func (d *Definition) Build() (*workflow.Process, error) {
	var inputs []*workflow.Input
	for _, in := range d.Inputs {
		inputs = append(inputs, &workflow.Input{
			Name:        in.Name,
			Type:        in.Type,
			Description: in.Description,
			Default:     in.Default,
			Required:    in.Required,
		})
	}
	steps, err := buildSteps(d.Steps)
	if err != nil {
		return nil, fmt.Errorf("process %q: %w", d.Name, err)
	}
	return workflow.NewProcess(workflow.ProcessOptions{
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Inputs:      inputs,
		Steps:       steps,
	})
}

func buildSteps(defs []Step) ([]*workflow.Step, error) {
	var steps []*workflow.Step
	for _, def := range defs {
		step, err := buildStep(def)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func buildStep(def Step) (*workflow.Step, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("step name required")
	}
	opts := workflow.StepOptions{
		Type:     workflow.StepType(def.Type),
		Name:     def.Name,
		Agent:    def.Agent,
		Input:    def.Input,
		Contract: def.Output,
		Process:  def.Process,
	}
	if def.Timeout != "" {
		timeout, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return nil, fmt.Errorf("step %q: invalid timeout: %w", def.Name, err)
		}
		opts.Timeout = timeout
	}
	if def.Retry != nil {
		policy, err := buildRetry(def.Retry)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", def.Name, err)
		}
		opts.Retry = policy
	}
	for _, art := range def.Artifacts {
		opts.Artifacts = append(opts.Artifacts, workflow.ArtifactSpec{
			Path:      art.Path,
			Format:    conductor.ArtifactFormat(art.Format),
			From:      art.From,
			Reference: art.Reference,
		})
	}
	if def.Breakpoint != nil {
		bp := &workflow.BreakpointSpec{
			Prompt:       def.Breakpoint.Prompt,
			Outcomes:     def.Breakpoint.Outcomes,
			ExpiryPolicy: workflow.ExpiryPolicy(def.Breakpoint.ExpiryPolicy),
		}
		if def.Breakpoint.Expiry != "" {
			expiry, err := time.ParseDuration(def.Breakpoint.Expiry)
			if err != nil {
				return nil, fmt.Errorf("step %q: invalid expiry: %w", def.Name, err)
			}
			bp.Expiry = expiry
		}
		opts.Breakpoint = bp
	}
	if def.Iteration != nil {
		body, err := buildSteps(def.Iteration.Steps)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", def.Name, err)
		}
		opts.Iteration = &workflow.IterationBlock{
			Body:          body,
			Predicate:     def.Iteration.Until,
			MaxIterations: def.Iteration.MaxIterations,
		}
	}
	if len(def.Branches) > 0 {
		branches, err := buildSteps(def.Branches)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", def.Name, err)
		}
		opts.Branches = branches
	}
	for _, edge := range def.Next {
		opts.Next = append(opts.Next, &workflow.Edge{
			Step:      edge.Step,
			Condition: edge.Condition,
		})
	}
	return workflow.NewStep(opts), nil
}

func buildRetry(def *Retry) (*retry.Policy, error) {
	policy := &retry.Policy{MaxAttempts: def.MaxAttempts}
	if def.BaseWait != "" {
		wait, err := time.ParseDuration(def.BaseWait)
		if err != nil {
			return nil, fmt.Errorf("invalid base wait: %w", err)
		}
		policy.BaseWait = wait
	}
	if def.MaxWait != "" {
		wait, err := time.ParseDuration(def.MaxWait)
		if err != nil {
			return nil, fmt.Errorf("invalid max wait: %w", err)
		}
		policy.MaxWait = wait
	}
	return policy, nil
}
