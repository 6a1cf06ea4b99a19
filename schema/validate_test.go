package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func resultSchema() *Schema {
	boolFalse := false
	return &Schema{
		Type: "object",
		Properties: map[string]*Property{
			"text":   {Type: "string"},
			"score":  {Type: "integer"},
			"status": {Type: "string", Enum: []string{"draft", "final"}},
			"tags":   {Type: "array", Items: &Property{Type: "string"}},
			"meta": {
				Type:       "object",
				Required:   []string{"author"},
				Properties: map[string]*Property{"author": {Type: "string"}},
			},
		},
		Required:             []string{"text", "score"},
		AdditionalProperties: &boolFalse,
	}
}

func TestValidateAccepts(t *testing.T) {
	err := Validate(map[string]any{
		"text":   "hello",
		"score":  7,
		"status": "draft",
		"tags":   []any{"a", "b"},
		"meta":   map[string]any{"author": "alice"},
	}, resultSchema())
	require.NoError(t, err)
}

func TestValidateNilSchemaAcceptsAll(t *testing.T) {
	require.NoError(t, Validate(map[string]any{"anything": 1}, nil))
}

func TestValidateAcceptsJSONNumbers(t *testing.T) {
	// JSON decoding produces float64 for every number
	err := Validate(map[string]any{
		"text":  "hello",
		"score": float64(7),
	}, resultSchema())
	require.NoError(t, err)
}

func TestValidateViolations(t *testing.T) {
	tests := []struct {
		name  string
		value map[string]any
		want  string
	}{
		{
			name:  "missing required field",
			value: map[string]any{"text": "hello"},
			want:  `required field "score" is missing`,
		},
		{
			name:  "wrong type",
			value: map[string]any{"text": 1, "score": 7},
			want:  "text: expected string, got int",
		},
		{
			name:  "non-integer number",
			value: map[string]any{"text": "x", "score": 1.5},
			want:  "score: expected integer",
		},
		{
			name:  "enum violation",
			value: map[string]any{"text": "x", "score": 1, "status": "published"},
			want:  `status: value "published" is not one of`,
		},
		{
			name:  "bad array item",
			value: map[string]any{"text": "x", "score": 1, "tags": []any{"ok", 2}},
			want:  "tags[1]: expected string",
		},
		{
			name:  "nested required field",
			value: map[string]any{"text": "x", "score": 1, "meta": map[string]any{}},
			want:  `meta: required field "author" is missing`,
		},
		{
			name:  "unexpected field with closed schema",
			value: map[string]any{"text": "x", "score": 1, "extra": true},
			want:  `unexpected field "extra"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.value, resultSchema())
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Violations)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	err := Validate(map[string]any{
		"text":   1,
		"status": "published",
	}, resultSchema())
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	// missing score, wrong text type, enum violation
	require.Len(t, verr.Violations, 3)
}
