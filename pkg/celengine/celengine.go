package celengine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine compiles CEL expressions against a fixed variable set and caches
// the compiled programs. Expressions arrive as stored rule strings evaluated
// once per event, so each distinct expression compiles at most once.
type Engine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// New declares one variable per attrs entry, typed from its sample value.
// Strings, numbers, bools, lists and string-keyed maps get their CEL types;
// anything else is dyn.
func New(attrs map[string]interface{}) (*Engine, error) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]cel.EnvOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, cel.Variable(k, typeFor(attrs[k])))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("celengine: build env: %w", err)
	}

	return &Engine{env: env, programs: map[string]cel.Program{}}, nil
}

func typeFor(val interface{}) *cel.Type {
	switch val.(type) {
	case string:
		return cel.StringType
	case int, int32, int64, float32, float64:
		return cel.IntType
	case bool:
		return cel.BoolType
	case []interface{}:
		return cel.ListType(cel.DynType)
	case map[string]interface{}:
		return cel.MapType(cel.StringType, cel.DynType)
	default:
		return cel.DynType
	}
}

// Validate reports whether expr compiles against the engine's variables.
func (e *Engine) Validate(expr string) error {
	_, err := e.program(expr)
	return err
}

// EvalBool evaluates expr; the expression must produce a bool.
func (e *Engine) EvalBool(expr string, attrs map[string]interface{}) (bool, error) {
	out, err := e.eval(expr, attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("celengine: expression %q returned %T, want bool", expr, out)
	}
	return b, nil
}

// EvalString evaluates expr; the expression must produce a string.
func (e *Engine) EvalString(expr string, attrs map[string]interface{}) (string, error) {
	out, err := e.eval(expr, attrs)
	if err != nil {
		return "", err
	}

	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("celengine: expression %q returned %T, want string", expr, out)
	}
	return s, nil
}

func (e *Engine) eval(expr string, attrs map[string]interface{}) (interface{}, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return nil, fmt.Errorf("celengine: eval %q: %w", expr, err)
	}
	return out.Value(), nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, fmt.Errorf("celengine: empty expression")
	}

	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celengine: compile %q: %w", expr, issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("celengine: program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()

	return prg, nil
}
