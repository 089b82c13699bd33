package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ValidateArgs checks args against a JSON schema object. It supports the
// subset tool servers use in practice: type (single or list), required,
// properties, items, enum and additionalProperties=false. Unknown
// keywords are ignored.
func ValidateArgs(tool string, schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateValue(schema, args, ""); err != nil {
		err.Tool = tool
		return err
	}
	return nil
}

func validateValue(schema map[string]any, v any, path string) *ValidationError {
	if types := schemaTypes(schema["type"]); len(types) > 0 {
		ok := false
		for _, t := range types {
			if matchesType(t, v) {
				ok = true
				break
			}
		}
		if !ok {
			return &ValidationError{
				Field:  fieldName(path),
				Reason: fmt.Sprintf("expected %s, got %s", strings.Join(types, " or "), jsonType(v)),
			}
		}
	}

	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		found := false
		for _, e := range enum {
			if equalJSON(e, v) {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Field: fieldName(path), Reason: fmt.Sprintf("value %v not in enum", v)}
		}
	}

	switch val := v.(type) {
	case map[string]any:
		return validateObject(schema, val, path)
	case []any:
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, item := range val {
			if err := validateValue(items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateObject(schema map[string]any, obj map[string]any, path string) *ValidationError {
	for _, name := range stringList(schema["required"]) {
		if _, ok := obj[name]; !ok {
			return &ValidationError{Field: joinPath(path, name), Reason: "required field missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sub, ok := props[k].(map[string]any)
		if !ok {
			if extra, isBool := schema["additionalProperties"].(bool); isBool && !extra {
				return &ValidationError{Field: joinPath(path, k), Reason: "unknown field"}
			}
			continue
		}
		if err := validateValue(sub, obj[k], joinPath(path, k)); err != nil {
			return err
		}
	}
	return nil
}

func schemaTypes(t any) []string {
	switch v := t.(type) {
	case string:
		return []string{v}
	case []any, []string:
		return stringList(v)
	}
	return nil
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func matchesType(t string, v any) bool {
	switch t {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	}
	// Unknown types are not ours to reject.
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func equalJSON(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func fieldName(path string) string {
	if path == "" {
		return "arguments"
	}
	return path
}
