package template

import (
	"fmt"
	"sort"
	"sync"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

var (
	envOnce sync.Once
	baseEnv *cel.Env
	envErr  error
)

// environment returns the shared CEL environment. Expressions are parsed
// without type-checking so that any scope variable can be referenced without
// being declared up front.
func environment() (*cel.Env, error) {
	envOnce.Do(func() {
		baseEnv, envErr = cel.NewEnv(
			ext.Strings(),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	return baseEnv, envErr
}

// Expression is a compiled template expression. It is safe for concurrent use.
type Expression struct {
	src string
	prg cel.Program
}

// Compile parses src into an Expression. Syntax errors are reported as
// *core.ConfigError.
func Compile(src string) (*Expression, error) {
	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	ast, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, &core.ConfigError{Message: fmt.Sprintf("invalid expression '%s': %v", src, iss.Err())}
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, &core.ConfigError{Message: fmt.Sprintf("invalid expression '%s': %v", src, err)}
	}
	return &Expression{src: src, prg: prg}, nil
}

func (e *Expression) String() string { return e.src }

// Eval runs the expression against scope.
func (e *Expression) Eval(scope core.Scope) (core.Value, error) {
	out, _, err := e.prg.Eval(scope.Native())
	if err != nil {
		return core.Value{}, err
	}
	return fromCEL(out)
}

// EvalBool runs the expression and requires a boolean result.
func (e *Expression) EvalBool(scope core.Scope) (bool, error) {
	v, err := e.Eval(scope)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("condition must evaluate to bool, got %s", v.Kind())
	}
	return b, nil
}

func fromCEL(val ref.Val) (core.Value, error) {
	switch v := val.(type) {
	case types.Null:
		return core.Nil(), nil
	case types.Bool:
		return core.Bool(bool(v)), nil
	case types.Int:
		return core.Int(int64(v)), nil
	case types.Uint:
		return core.FromNative(uint64(v))
	case types.Double:
		return core.Float(float64(v)), nil
	case types.String:
		return core.String(string(v)), nil
	case types.Bytes:
		return core.String(string(v)), nil
	case types.Timestamp:
		return core.Time(v.Time), nil
	case types.Duration:
		return core.String(v.Duration.String()), nil
	case *types.Err:
		return core.Value{}, v
	}

	switch v := val.(type) {
	case traits.Mapper:
		keys := make([]string, 0)
		entries := make(map[string]core.Value)
		it := v.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			ks, ok := k.(types.String)
			if !ok {
				return core.Value{}, fmt.Errorf("map key must be a string, got %s", k.Type())
			}
			item, err := fromCEL(v.Get(k))
			if err != nil {
				return core.Value{}, err
			}
			keys = append(keys, string(ks))
			entries[string(ks)] = item
		}
		sort.Strings(keys)
		m := core.NewMap()
		for _, k := range keys {
			m.Set(k, entries[k])
		}
		return core.MapValue(m), nil
	case traits.Lister:
		n, ok := v.Size().(types.Int)
		if !ok {
			return core.Value{}, fmt.Errorf("cannot determine list size")
		}
		items := make([]core.Value, 0, int(n))
		for i := types.Int(0); i < n; i++ {
			item, err := fromCEL(v.Get(i))
			if err != nil {
				return core.Value{}, err
			}
			items = append(items, item)
		}
		return core.List(items...), nil
	}

	if types.IsUnknownOrError(val) {
		return core.Value{}, fmt.Errorf("expression produced %v", val)
	}
	return core.FromNative(val.Value())
}
