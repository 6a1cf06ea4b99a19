package schema

import (
	"fmt"
	"strings"
)

// ValidationError reports all structural violations found in a value. It is
// distinguished from agent or network failures in the engine's error
// taxonomy: a retry of a validation failure may mutate the input rather
// than merely re-send the same request.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validate checks a value against a schema. It returns a *ValidationError
// listing every violation, or nil if the value satisfies the contract.
// A nil schema accepts any value.
func Validate(value map[string]any, s *Schema) error {
	if s == nil {
		return nil
	}
	v := &validator{}
	v.checkObject("", value, s.Type, s.Properties, s.Required, s.AdditionalProperties)
	if len(v.violations) > 0 {
		return &ValidationError{Violations: v.violations}
	}
	return nil
}

type validator struct {
	violations []string
}

func (v *validator) addf(format string, args ...any) {
	v.violations = append(v.violations, fmt.Sprintf(format, args...))
}

func (v *validator) checkObject(path string, value map[string]any, typ string, props map[string]*Property, required []string, additional *bool) {
	if typ != "" && typ != "object" {
		v.addf("%s: schema type %q is not supported at the top level", orRoot(path), typ)
		return
	}
	for _, name := range required {
		if _, ok := value[name]; !ok {
			v.addf("%s: required field %q is missing", orRoot(path), name)
		}
	}
	for name, field := range value {
		prop, ok := props[name]
		if !ok {
			if additional != nil && !*additional {
				v.addf("%s: unexpected field %q", orRoot(path), name)
			}
			continue
		}
		v.checkValue(joinPath(path, name), field, prop)
	}
}

func (v *validator) checkValue(path string, value any, prop *Property) {
	if value == nil {
		v.addf("%s: value is null", path)
		return
	}
	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			v.addf("%s: expected string, got %T", path, value)
			return
		}
		if len(prop.Enum) > 0 && !contains(prop.Enum, s) {
			v.addf("%s: value %q is not one of %v", path, s, prop.Enum)
		}
	case "number":
		if !isNumber(value) {
			v.addf("%s: expected number, got %T", path, value)
		}
	case "integer":
		if !isInteger(value) {
			v.addf("%s: expected integer, got %T", path, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			v.addf("%s: expected boolean, got %T", path, value)
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			v.addf("%s: expected array, got %T", path, value)
			return
		}
		if prop.Items != nil {
			for i, item := range items {
				v.checkValue(fmt.Sprintf("%s[%d]", path, i), item, prop.Items)
			}
		}
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			v.addf("%s: expected object, got %T", path, value)
			return
		}
		for _, name := range prop.Required {
			if _, ok := obj[name]; !ok {
				v.addf("%s: required field %q is missing", path, name)
			}
		}
		for name, field := range obj {
			if nested, ok := prop.Properties[name]; ok {
				v.checkValue(joinPath(path, name), field, nested)
			}
		}
	case "":
		// untyped property accepts any value
	default:
		v.addf("%s: unknown schema type %q", path, prop.Type)
	}
}

// isNumber accepts the numeric types produced by JSON and YAML decoding.
func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64, uint64:
		return true
	}
	return false
}

func isInteger(value any) bool {
	switch n := value.(type) {
	case int, int32, int64, uint64:
		return true
	case float64:
		return n == float64(int64(n))
	case float32:
		return n == float32(int64(n))
	}
	return false
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func orRoot(path string) string {
	if path == "" {
		return "result"
	}
	return path
}
