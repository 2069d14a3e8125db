package template

import (
	"strconv"
	"strings"
)

// Env is the run-scoped variable environment templates resolve against:
// trigger payload fields, declared variables, and prior node outputs, all
// addressable by dotted path.
type Env map[string]any

// Lookup resolves a dotted path like "task.project.name" against the
// environment. Numeric path segments index into arrays. The second return
// is false when any segment is missing.
func (e Env) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = map[string]any(e)

	for _, segment := range strings.Split(path, ".") {
		switch value := current.(type) {
		case map[string]any:
			next, ok := value[segment]
			if !ok {
				return nil, false
			}

			current = next
		case Env:
			next, ok := value[segment]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(value) {
				return nil, false
			}

			current = value[index]
		default:
			return nil, false
		}
	}

	return current, true
}

// Set binds a name in the environment.
func (e Env) Set(name string, value any) {
	e[name] = value
}

// Clone returns a shallow copy, used for loop iteration scopes so item
// bindings do not leak between iterations.
func (e Env) Clone() Env {
	clone := make(Env, len(e))
	for k, v := range e {
		clone[k] = v
	}

	return clone
}

// Truthy converts a resolved value to a boolean using the same rules as
// conditional templating blocks: empty strings, zero numbers, empty
// collections and nil are false.
func Truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}

		return v != ""
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case float32:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		return true
	}
}
