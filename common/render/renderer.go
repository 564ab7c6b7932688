package render

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Mode controls how undefined references are handled
type Mode int

const (
	// Lenient leaves unresolvable templates as their original text.
	// Used for speculative rendering of future-step parameters.
	Lenient Mode = iota
	// Strict fails on unresolvable templates. Used for connection and
	// auth parameters that must be fully bound before dispatch.
	Strict
)

var exprPattern = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

// Renderer evaluates {{ expr }} templates against a context map using CEL.
// Compiled programs are cached by expression and declared variable set.
type Renderer struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewRenderer creates a renderer with an empty program cache
func NewRenderer() *Renderer {
	return &Renderer{
		cache: make(map[string]cel.Program),
	}
}

// RenderString renders a single template string. A string that is exactly
// one {{ expr }} returns the typed value of the expression; mixed text
// interpolates each expression's string form.
func (r *Renderer) RenderString(tmpl string, context map[string]interface{}, mode Mode) (interface{}, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return tmpl, nil
	}

	// whole-string single expression preserves the value type
	if len(matches) == 1 && strings.TrimSpace(tmpl[:matches[0][0]]) == "" && strings.TrimSpace(tmpl[matches[0][1]:]) == "" {
		expr := tmpl[matches[0][2]:matches[0][3]]
		val, err := r.eval(expr, context)
		if err != nil {
			if mode == Strict {
				return nil, fmt.Errorf("render %q: %w", strings.TrimSpace(expr), err)
			}
			return tmpl, nil
		}
		return val, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(tmpl[last:m[0]])
		expr := tmpl[m[2]:m[3]]
		val, err := r.eval(expr, context)
		if err != nil {
			if mode == Strict {
				return nil, fmt.Errorf("render %q: %w", strings.TrimSpace(expr), err)
			}
			// keep the literal template text
			sb.WriteString(tmpl[m[0]:m[1]])
		} else {
			sb.WriteString(stringify(val))
		}
		last = m[1]
	}
	sb.WriteString(tmpl[last:])
	return sb.String(), nil
}

// RenderValue renders a nested structure recursively and type-preserving:
// maps and lists are traversed, strings are rendered, scalars pass through.
func (r *Renderer) RenderValue(v interface{}, context map[string]interface{}, mode Mode) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.RenderString(val, context, mode)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			rendered, err := r.RenderValue(item, context, mode)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rendered, err := r.RenderValue(item, context, mode)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvalBool evaluates a guard expression and coerces the result to bool.
// The expression may be wrapped in {{ }} or given raw. Empty expressions
// are true; in lenient mode evaluation errors are false.
func (r *Renderer) EvalBool(expr string, context map[string]interface{}, mode Mode) (bool, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return true, nil
	}

	if !exprPattern.MatchString(trimmed) {
		val, err := r.eval(trimmed, context)
		if err != nil {
			if mode == Strict {
				return false, fmt.Errorf("eval %q: %w", trimmed, err)
			}
			return false, nil
		}
		return Truthy(val), nil
	}

	rendered, err := r.RenderString(trimmed, context, mode)
	if err != nil {
		return false, err
	}
	if s, ok := rendered.(string); ok && s == trimmed && exprPattern.MatchString(trimmed) {
		// lenient fall-through: unresolved guard does not fire
		return false, nil
	}
	return Truthy(rendered), nil
}

// eval compiles and runs one expression against the context. Every
// top-level context key becomes a CEL variable of dyn type.
func (r *Renderer) eval(expr string, context map[string]interface{}) (interface{}, error) {
	normalized := rewritePipes(strings.TrimSpace(expr))
	if normalized == "" {
		return nil, fmt.Errorf("empty expression")
	}

	vars := varNames(context)
	cacheKey := normalized + "\x00" + strings.Join(vars, ",")

	r.mu.RLock()
	prg, exists := r.cache[cacheKey]
	r.mu.RUnlock()

	if !exists {
		var err error
		prg, err = compile(normalized, vars)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[cacheKey] = prg
		r.mu.Unlock()
	}

	activation := make(map[string]interface{}, len(vars))
	for _, name := range vars {
		activation[name] = context[name]
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	return toNative(out)
}

func compile(expr string, vars []string) (cel.Program, error) {
	opts := []cel.EnvOption{
		cel.Function("to_json",
			cel.Overload("to_json_dyn", []*cel.Type{cel.DynType}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					native, err := toNative(v)
					if err != nil {
						return types.NewErr("to_json: %v", err)
					}
					data, err := json.Marshal(native)
					if err != nil {
						return types.NewErr("to_json: %v", err)
					}
					return types.String(data)
				}))),
		cel.Function("b64encode",
			cel.Overload("b64encode_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					s, ok := v.Value().(string)
					if !ok {
						return types.NewErr("b64encode expects a string")
					}
					return types.String(base64.StdEncoding.EncodeToString([]byte(s)))
				}))),
		cel.Function("default",
			cel.Overload("default_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(v, fallback ref.Val) ref.Val {
					if v == nil || v == types.NullValue {
						return fallback
					}
					if s, ok := v.Value().(string); ok && s == "" {
						return fallback
					}
					return v
				}))),
		cel.Function("now",
			cel.Overload("now_iso", nil, cel.StringType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					return types.String(time.Now().UTC().Format(time.RFC3339))
				}))),
	}
	for _, name := range vars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	return prg, nil
}

// rewritePipes converts Jinja-style filter pipes to function calls:
// "x | to_json" becomes "to_json(x)", "x | default(1)" becomes
// "default(x, 1)". Pipes inside quotes or parens are left alone.
func rewritePipes(expr string) string {
	parts := splitTopLevel(expr, '|')
	if len(parts) < 2 {
		return expr
	}

	result := strings.TrimSpace(parts[0])
	for _, filter := range parts[1:] {
		filter = strings.TrimSpace(filter)
		if open := strings.Index(filter, "("); open > 0 && strings.HasSuffix(filter, ")") {
			name := filter[:open]
			args := strings.TrimSpace(filter[open+1 : len(filter)-1])
			if args == "" {
				result = fmt.Sprintf("%s(%s)", name, result)
			} else {
				result = fmt.Sprintf("%s(%s, %s)", name, result, args)
			}
		} else {
			result = fmt.Sprintf("%s(%s)", filter, result)
		}
	}
	return result
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			// "||" is a CEL operator, not a pipe
			if sep == '|' && (i+1 < len(s) && s[i+1] == '|' || i > 0 && s[i-1] == '|') {
				continue
			}
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func varNames(context map[string]interface{}) []string {
	names := make([]string, 0, len(context))
	for name := range context {
		if isIdentifier(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

var anyType = reflect.TypeOf((*interface{})(nil)).Elem()

func toNative(v ref.Val) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	native, err := v.ConvertToNative(anyType)
	if err != nil {
		return v.Value(), nil
	}
	return native, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, int, int64, float64, uint64:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
