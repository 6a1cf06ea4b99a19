package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/conductor/retry"
	"github.com/stretchr/testify/require"
)

func TestNewProcessValidation(t *testing.T) {
	t.Run("requires a name", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{
			Steps: []*Step{NewStep(StepOptions{Name: "a", Agent: "x"})},
		})
		require.Error(t, err)
	})

	t.Run("requires steps", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{Name: "p"})
		require.Error(t, err)
	})

	t.Run("defaults version to 1", func(t *testing.T) {
		p, err := NewProcess(ProcessOptions{
			Name:  "p",
			Steps: []*Step{NewStep(StepOptions{Name: "a", Agent: "x"})},
		})
		require.NoError(t, err)
		require.Equal(t, 1, p.Version())
		require.Equal(t, "a", p.Start().Name())
	})

	t.Run("rejects edges to unknown steps", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{
			Name: "p",
			Steps: []*Step{
				NewStep(StepOptions{
					Name:  "a",
					Agent: "x",
					Next:  []*Edge{{Step: "missing"}},
				}),
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), `edge to unknown step "missing"`)
	})

	t.Run("task requires an agent", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{
			Name: "p",
			Steps: []*Step{
				NewStep(StepOptions{Name: "a", Type: StepTypeTask}),
			},
		})
		require.Error(t, err)
	})

	t.Run("breakpoint requires a spec", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{
			Name: "p",
			Steps: []*Step{
				NewStep(StepOptions{Name: "a", Type: StepTypeBreakpoint}),
			},
		})
		require.Error(t, err)
	})

	t.Run("breakpoint expiry requires a known policy", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{
			Name: "p",
			Steps: []*Step{
				NewStep(StepOptions{
					Name: "a",
					Type: StepTypeBreakpoint,
					Breakpoint: &BreakpointSpec{
						Expiry:       time.Hour,
						ExpiryPolicy: "escalate",
					},
				}),
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown expiry policy")
	})

	t.Run("iteration requires positive max", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{
			Name: "p",
			Steps: []*Step{
				NewStep(StepOptions{
					Name: "loop",
					Type: StepTypeIteration,
					Iteration: &IterationBlock{
						Body: []*Step{NewStep(StepOptions{Name: "b", Agent: "x"})},
					},
				}),
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "max iterations must be positive")
	})

	t.Run("parallel branches must be tasks", func(t *testing.T) {
		_, err := NewProcess(ProcessOptions{
			Name: "p",
			Steps: []*Step{
				NewStep(StepOptions{
					Name: "fan",
					Type: StepTypeParallel,
					Branches: []*Step{
						NewStep(StepOptions{
							Name:       "b",
							Type:       StepTypeBreakpoint,
							Breakpoint: &BreakpointSpec{},
						}),
					},
				}),
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "must be a task step")
	})
}

func TestStepDefaults(t *testing.T) {
	// an agent with no explicit type makes a task step
	step := NewStep(StepOptions{Name: "a", Agent: "x"})
	require.Equal(t, StepTypeTask, step.Type())

	// no declared retry policy falls back to the default
	require.Equal(t, retry.DefaultPolicy(), step.RetryPolicy())

	custom := NewStep(StepOptions{
		Name:  "b",
		Agent: "x",
		Retry: &retry.Policy{MaxAttempts: 7},
	})
	policy := custom.RetryPolicy()
	require.Equal(t, 7, policy.MaxAttempts)
	require.Equal(t, retry.DefaultBaseWait, policy.BaseWait)
}

func TestEvaluateCondition(t *testing.T) {
	ctx := context.Background()
	globals := map[string]any{
		"context": map[string]any{
			"draft": map[string]any{"score": 7, "text": "hello"},
		},
	}

	tests := []struct {
		condition string
		want      bool
	}{
		{"", true},
		{"true", true},
		{"false", false},
		{`$(context["draft"]["score"] > 5)`, true},
		{`$(context["draft"]["score"] > 10)`, false},
		{`${context["draft"]["text"] == "hello"}`, true},
		{`context["draft"]["score"] == 7`, true},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := EvaluateCondition(ctx, tt.condition, globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionError(t *testing.T) {
	_, err := EvaluateCondition(context.Background(), "$(not valid go ???)", nil)
	require.Error(t, err)
}

func TestEvaluateExpressionTypes(t *testing.T) {
	ctx := context.Background()
	globals := map[string]any{
		"values": map[string]any{
			"n":    3,
			"f":    1.5,
			"s":    "x",
			"list": []any{1, 2},
		},
	}

	n, err := EvaluateExpression(ctx, `values["n"] * 2`, globals)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	f, err := EvaluateExpression(ctx, `values["f"] + 0.5`, globals)
	require.NoError(t, err)
	require.Equal(t, 2.0, f)

	s, err := EvaluateExpression(ctx, `values["s"] + "y"`, globals)
	require.NoError(t, err)
	require.Equal(t, "xy", s)

	list, err := EvaluateExpression(ctx, `values["list"]`, globals)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2)}, list)
}
