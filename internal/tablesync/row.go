package tablesync

import (
	"encoding/json"
	"reflect"
)

// Row is one record of an upstream table. Fields carries the decoded JSON
// field values as-is; the engine never interprets them, it only compares.
type Row struct {
	ID     string
	Fields map[string]any
}

// Rows travel on the wire as a single flat object: the field keys plus "id".
// Subscribers see {"id":"rec1","name":"x"} rather than a nested fields object.
func (r Row) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+1)
	for key, value := range r.Fields {
		flat[key] = value
	}
	flat["id"] = r.ID
	return json.Marshal(flat)
}

func (r *Row) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	id, _ := flat["id"].(string)
	delete(flat, "id")
	r.ID = id
	r.Fields = flat
	return nil
}

// Equal reports whether two rows carry the same id and structurally equal
// field values.
func (r Row) Equal(other Row) bool {
	if r.ID != other.ID {
		return false
	}
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for key, value := range r.Fields {
		otherValue, ok := other.Fields[key]
		if !ok || !valueEqual(value, otherValue) {
			return false
		}
	}
	return true
}

// valueEqual compares decoded JSON values structurally. Numbers are compared
// by value so that rows built in code (int) match rows round-tripped through
// JSON (float64).
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if aNum, aOK := asFloat(a); aOK {
		bNum, bOK := asFloat(b)
		return bOK && aNum == bNum
	}
	switch typedA := a.(type) {
	case string:
		typedB, ok := b.(string)
		return ok && typedA == typedB
	case bool:
		typedB, ok := b.(bool)
		return ok && typedA == typedB
	case map[string]any:
		typedB, ok := b.(map[string]any)
		if !ok || len(typedA) != len(typedB) {
			return false
		}
		for key, value := range typedA {
			otherValue, present := typedB[key]
			if !present || !valueEqual(value, otherValue) {
				return false
			}
		}
		return true
	case []any:
		typedB, ok := b.([]any)
		if !ok || len(typedA) != len(typedB) {
			return false
		}
		for i := range typedA {
			if !valueEqual(typedA[i], typedB[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func asFloat(v any) (float64, bool) {
	switch typed := v.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
