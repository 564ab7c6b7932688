package render

import (
	"encoding/json"
	"strings"
)

// Coerce best-effort parses a rendered string into a typed value. JSON
// literals and the Python spellings of booleans and null are recognized;
// anything else stays a string. Non-string inputs pass through unchanged.
func Coerce(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}

	switch strings.TrimSpace(s) {
	case "True":
		return true
	case "False":
		return false
	case "None", "null":
		return nil
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		return parsed
	}

	// Python-literal lists/dicts with single quotes
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 1 && (trimmed[0] == '[' || trimmed[0] == '{') && strings.Contains(trimmed, "'") {
		candidate := strings.ReplaceAll(trimmed, "'", `"`)
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed
		}
	}

	return s
}

// CoerceList coerces a rendered value into a list. Strings are parsed
// first; a scalar becomes a single-item list; nil becomes an empty list.
func CoerceList(v interface{}) []interface{} {
	switch val := Coerce(v).(type) {
	case nil:
		return []interface{}{}
	case []interface{}:
		return val
	default:
		return []interface{}{val}
	}
}

// Truthy reports the boolean interpretation of a rendered value.
// Empty strings, zero numbers, empty collections and nil are false.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "0", "none", "null", "no":
			return false
		}
		return true
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}
