// Package workflow models process definitions: immutable, versioned step
// graphs describing tasks delegated to external agents, human-approval
// breakpoints, conditional gates, bounded iteration blocks, and nested
// sub-processes. Definitions are data; their execution semantics live in
// the engine package.
package workflow

import "fmt"

// Input declares an expected run input parameter.
type Input struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Process is an immutable process definition identified by a slug/version
// pair. Once loaded and validated it is consumed read-only by the engine.
type Process struct {
	name        string
	version     int
	description string
	inputs      []*Input
	steps       []*Step
	graph       *Graph
}

// ProcessOptions configures a new process definition.
type ProcessOptions struct {
	Name        string
	Version     int
	Description string
	Inputs      []*Input
	Steps       []*Step
}

// NewProcess creates and validates a process definition.
func NewProcess(opts ProcessOptions) (*Process, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("process name required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("steps required")
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	graph := NewGraph(opts.Steps)
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("process %q: %w", opts.Name, err)
	}
	return &Process{
		name:        opts.Name,
		version:     opts.Version,
		description: opts.Description,
		inputs:      opts.Inputs,
		steps:       opts.Steps,
		graph:       graph,
	}, nil
}

func (p *Process) Name() string {
	return p.name
}

func (p *Process) Version() int {
	return p.version
}

func (p *Process) Description() string {
	return p.description
}

func (p *Process) Inputs() []*Input {
	return p.inputs
}

func (p *Process) Steps() []*Step {
	return p.steps
}

func (p *Process) Graph() *Graph {
	return p.graph
}

// Start returns the first step of the definition.
func (p *Process) Start() *Step {
	return p.graph.Start()
}
