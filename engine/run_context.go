package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/workflow"
)

// runContext is the accumulated view of a run: its inputs plus the result
// of every completed step, keyed by step name. Entries are append-only
// during execution; a step's entry is written exactly once per completion
// (replay writes the identical value). Artifacts are keyed by path, so a
// later artifact with the same path replaces an earlier one.
type runContext struct {
	mutex         sync.Mutex
	inputs        map[string]any
	steps         map[string]any
	artifacts     map[string]conductor.Artifact
	artifactOrder []string
	order         []string
}

func newRunContext(inputs map[string]any) *runContext {
	return &runContext{
		inputs:    inputs,
		steps:     make(map[string]any),
		artifacts: make(map[string]conductor.Artifact),
	}
}

// set records a step's result. The cursor only advances past validated,
// succeeded effects, so by the time set is called the value is final.
func (c *runContext) set(step string, value any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.steps[step]; !ok {
		c.order = append(c.order, step)
	}
	c.steps[step] = value
}

func (c *runContext) get(step string) (any, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	value, ok := c.steps[step]
	return value, ok
}

// addArtifact appends an artifact, replacing an earlier one in place when
// the path repeats. Declaration order is preserved.
func (c *runContext) addArtifact(artifact conductor.Artifact) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.artifacts[artifact.Path]; !ok {
		c.artifactOrder = append(c.artifactOrder, artifact.Path)
	}
	c.artifacts[artifact.Path] = artifact
}

func (c *runContext) artifactList() []conductor.Artifact {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var list []conductor.Artifact
	for _, path := range c.artifactOrder {
		list = append(list, c.artifacts[path])
	}
	return list
}

// globals returns the expression evaluation scope: inputs and the per-step
// context, plus any extra names (iteration predicates add history, last,
// and iteration).
func (c *runContext) globals(extra map[string]any) map[string]any {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	steps := make(map[string]any, len(c.steps))
	for k, v := range c.steps {
		steps[k] = v
	}
	globals := map[string]any{
		"inputs":  c.inputs,
		"context": steps,
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

// snapshot returns a copy of the context suitable for embedding in a
// pending decision.
func (c *runContext) snapshot() map[string]any {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	steps := make(map[string]any, len(c.steps))
	for k, v := range c.steps {
		steps[k] = v
	}
	return map[string]any{
		"inputs":  c.inputs,
		"context": steps,
	}
}

// lastValue returns the result of the most recently completed step.
func (c *runContext) lastValue() any {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	return c.steps[c.order[len(c.order)-1]]
}

// evaluateParams resolves a step's input-construction parameters against
// the run context. String values containing expressions are evaluated;
// nested maps and lists are resolved recursively.
func evaluateParams(ctx context.Context, params map[string]any, globals map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		v, err := evaluateValue(ctx, value, globals)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		resolved[key] = v
	}
	return resolved, nil
}

func evaluateValue(ctx context.Context, value any, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !workflow.IsExpression(v) {
			return v, nil
		}
		return evaluateString(ctx, v, globals)
	case map[string]any:
		return evaluateParams(ctx, v, globals)
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			r, err := evaluateValue(ctx, item, globals)
			if err != nil {
				return nil, err
			}
			resolved[i] = r
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// evaluateString resolves an expression-bearing string. A string that is a
// single expression keeps the expression's type; a string with embedded
// ${...} interpolations resolves to a string.
func evaluateString(ctx context.Context, s string, globals map[string]any) (any, error) {
	trimmed := strings.TrimSpace(s)
	if isWholeExpression(trimmed) {
		return workflow.EvaluateExpression(ctx, trimmed, globals)
	}
	var builder strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			builder.WriteString(rest)
			return builder.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			builder.WriteString(rest)
			return builder.String(), nil
		}
		builder.WriteString(rest[:start])
		expr := rest[start+2 : start+end]
		value, err := workflow.EvaluateExpression(ctx, expr, globals)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&builder, "%v", value)
		rest = rest[start+end+1:]
	}
}

func isWholeExpression(s string) bool {
	if strings.HasPrefix(s, "$(") && strings.HasSuffix(s, ")") {
		return true
	}
	return strings.HasPrefix(s, "${") &&
		strings.HasSuffix(s, "}") &&
		strings.Count(s, "${") == 1
}
