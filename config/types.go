// Package config ingests declarative process definitions from YAML or JSON
// files. Parsing is strict: unknown keys are rejected, and every loaded
// definition is structurally validated before it is handed to the engine.
package config

import (
	"github.com/deepnoodle-ai/conductor/schema"
)

// Definition is the serializable form of a process definition.
type Definition struct {
	Name        string  `yaml:"Name" json:"Name"`
	Version     int     `yaml:"Version,omitempty" json:"Version,omitempty"`
	Description string  `yaml:"Description,omitempty" json:"Description,omitempty"`
	Inputs      []Input `yaml:"Inputs,omitempty" json:"Inputs,omitempty"`
	Steps       []Step  `yaml:"Steps" json:"Steps"`
}

// Input declares a run input parameter.
type Input struct {
	Name        string `yaml:"Name" json:"Name"`
	Type        string `yaml:"Type,omitempty" json:"Type,omitempty"`
	Description string `yaml:"Description,omitempty" json:"Description,omitempty"`
	Default     any    `yaml:"Default,omitempty" json:"Default,omitempty"`
	Required    bool   `yaml:"Required,omitempty" json:"Required,omitempty"`
}

// Step is the serializable form of a workflow step. Type defaults to "task"
// when an Agent is named.
type Step struct {
	Name       string         `yaml:"Name" json:"Name"`
	Type       string         `yaml:"Type,omitempty" json:"Type,omitempty"`
	Agent      string         `yaml:"Agent,omitempty" json:"Agent,omitempty"`
	Input      map[string]any `yaml:"Input,omitempty" json:"Input,omitempty"`
	Output     *schema.Schema `yaml:"Output,omitempty" json:"Output,omitempty"`
	Retry      *Retry         `yaml:"Retry,omitempty" json:"Retry,omitempty"`
	Timeout    string         `yaml:"Timeout,omitempty" json:"Timeout,omitempty"`
	Artifacts  []Artifact     `yaml:"Artifacts,omitempty" json:"Artifacts,omitempty"`
	Breakpoint *Breakpoint    `yaml:"Breakpoint,omitempty" json:"Breakpoint,omitempty"`
	Iteration  *Iteration     `yaml:"Iteration,omitempty" json:"Iteration,omitempty"`
	Branches   []Step         `yaml:"Branches,omitempty" json:"Branches,omitempty"`
	Process    string         `yaml:"Process,omitempty" json:"Process,omitempty"`
	Next       []Edge         `yaml:"Next,omitempty" json:"Next,omitempty"`
}

// Edge names a possible next step, optionally guarded by a condition
// expression evaluated over the run context.
type Edge struct {
	Step      string `yaml:"Step" json:"Step"`
	Condition string `yaml:"Condition,omitempty" json:"Condition,omitempty"`
}

// Retry overrides the default retry policy for a task step. Waits are
// duration strings ("5s", "1m").
type Retry struct {
	MaxAttempts int    `yaml:"MaxAttempts,omitempty" json:"MaxAttempts,omitempty"`
	BaseWait    string `yaml:"BaseWait,omitempty" json:"BaseWait,omitempty"`
	MaxWait     string `yaml:"MaxWait,omitempty" json:"MaxWait,omitempty"`
}

// Artifact declares an artifact produced by a task step.
type Artifact struct {
	Path      string `yaml:"Path" json:"Path"`
	Format    string `yaml:"Format,omitempty" json:"Format,omitempty"`
	From      string `yaml:"From,omitempty" json:"From,omitempty"`
	Reference bool   `yaml:"Reference,omitempty" json:"Reference,omitempty"`
}

// Breakpoint configures a human-approval pause. Expiry is a duration string;
// ExpiryPolicy is "approve" or "reject".
type Breakpoint struct {
	Prompt       string   `yaml:"Prompt,omitempty" json:"Prompt,omitempty"`
	Outcomes     []string `yaml:"Outcomes,omitempty" json:"Outcomes,omitempty"`
	Expiry       string   `yaml:"Expiry,omitempty" json:"Expiry,omitempty"`
	ExpiryPolicy string   `yaml:"ExpiryPolicy,omitempty" json:"ExpiryPolicy,omitempty"`
}

// Iteration configures a bounded refinement loop. Until is a predicate
// expression with history, last, and iteration in scope.
type Iteration struct {
	Steps         []Step `yaml:"Steps" json:"Steps"`
	Until         string `yaml:"Until,omitempty" json:"Until,omitempty"`
	MaxIterations int    `yaml:"MaxIterations,omitempty" json:"MaxIterations,omitempty"`
}
