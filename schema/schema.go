// Package schema describes and enforces the output contracts declared by
// task steps. A contract is a closed structural description: required
// fields, types, and enumerated value sets. Validation is applied before a
// task result is accepted into a run's context.
package schema

// Schema describes the structure of a JSON object.
type Schema struct {
	Type                 string               `json:"type" yaml:"Type"`
	Properties           map[string]*Property `json:"properties" yaml:"Properties"`
	Required             []string             `json:"required,omitempty" yaml:"Required,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty" yaml:"AdditionalProperties,omitempty"`
}

// Property of a schema.
type Property struct {
	Type        string               `json:"type" yaml:"Type"`
	Description string               `json:"description,omitempty" yaml:"Description,omitempty"`
	Enum        []string             `json:"enum,omitempty" yaml:"Enum,omitempty"`
	Items       *Property            `json:"items,omitempty" yaml:"Items,omitempty"`
	Required    []string             `json:"required,omitempty" yaml:"Required,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty" yaml:"Properties,omitempty"`
}
