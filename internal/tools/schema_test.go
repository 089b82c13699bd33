package tools

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidateArgs(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
			"score": map[string]any{"type": "number"},
			"safe":  map[string]any{"type": "boolean"},
			"mode":  map[string]any{"type": "string", "enum": []any{"fast", "deep"}},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"when":  map[string]any{"type": []any{"string", "null"}},
			"filter": map[string]any{
				"type":       "object",
				"properties": map[string]any{"site": map[string]any{"type": "string"}},
				"required":   []any{"site"},
			},
		},
		"required": []any{"query"},
	}

	tests := []struct {
		name      string
		args      map[string]any
		wantField string
	}{
		{"minimal", map[string]any{"query": "rotbot"}, ""},
		{"all fields", map[string]any{
			"query": "q", "limit": 5.0, "score": 0.5, "safe": true, "mode": "deep",
			"tags": []any{"a", "b"}, "when": nil, "filter": map[string]any{"site": "x"},
		}, ""},
		{"json number integer", map[string]any{"query": "q", "limit": json.Number("3")}, ""},
		{"extra field allowed", map[string]any{"query": "q", "other": 1.0}, ""},
		{"missing required", map[string]any{}, "query"},
		{"wrong string type", map[string]any{"query": 7.0}, "query"},
		{"fractional integer", map[string]any{"query": "q", "limit": 2.5}, "limit"},
		{"bool as string", map[string]any{"query": "q", "safe": "yes"}, "safe"},
		{"enum miss", map[string]any{"query": "q", "mode": "slow"}, "mode"},
		{"array item type", map[string]any{"query": "q", "tags": []any{"a", 1.0}}, "tags[1]"},
		{"nested required", map[string]any{"query": "q", "filter": map[string]any{}}, "filter.site"},
		{"union type", map[string]any{"query": "q", "when": 3.0}, "when"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs("search", schema, tt.args)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q (%v)", verr.Field, tt.wantField, err)
			}
			if verr.Tool != "search" {
				t.Errorf("Tool = %q", verr.Tool)
			}
		})
	}
}

func TestValidateArgs_AdditionalPropertiesFalse(t *testing.T) {
	schema := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"a": map[string]any{"type": "string"}},
		"additionalProperties": false,
	}
	err := ValidateArgs("t", schema, map[string]any{"a": "x", "b": "y"})
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Errorf("error = %v, want unknown field", err)
	}
}

func TestValidateArgs_EmptySchema(t *testing.T) {
	if err := ValidateArgs("t", nil, map[string]any{"anything": 1.0}); err != nil {
		t.Errorf("empty schema should accept anything: %v", err)
	}
}
