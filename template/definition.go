package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/INLOpen/nexusrelay/core"
)

// Options is a set of block flags.
type Options uint8

const (
	// OnOff makes a block edge-triggered: its body is applied only when the
	// condition value differs from the previous evaluation.
	OnOff Options = 1 << iota
)

// ParseOptions parses a comma separated list such as "onoff". A leading '$'
// on a flag is accepted.
func ParseOptions(s string) (Options, error) {
	var opts Options
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimPrefix(strings.TrimSpace(part), "$") {
		case "":
		case "onoff":
			opts |= OnOff
		default:
			return 0, fmt.Errorf("unknown option '%s'", strings.TrimSpace(part))
		}
	}
	return opts, nil
}

func (o Options) Has(flag Options) bool { return o&flag != 0 }

func (o Options) String() string {
	if o.Has(OnOff) {
		return "onoff"
	}
	return ""
}

// Cell remembers the last condition value of a block.
type Cell struct {
	mu   sync.Mutex
	set  bool
	last bool
}

// Swap stores v and returns the previous value and whether there was one.
func (c *Cell) Swap(v bool) (prev bool, seen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen = c.last, c.set
	c.last, c.set = v, true
	return prev, seen
}

// Last returns the stored value and whether the block was evaluated yet.
func (c *Cell) Last() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.set
}

// Block is one element of a Definition. Exactly one of body, nested and
// dynamic is set.
type Block struct {
	Condition *Expression
	Options   Options

	body    *mapNode
	nested  *Definition
	dynamic *Expression

	path string
	cell Cell
}

// Cell exposes the hysteresis state of the block.
func (b *Block) Cell() *Cell { return &b.cell }

// applies evaluates the condition, records it in the cell and decides
// whether the body is merged.
func (b *Block) applies(scope core.Scope) (bool, error) {
	if b.Condition == nil {
		if b.Options.Has(OnOff) {
			_, seen := b.cell.Swap(true)
			return !seen, nil
		}
		return true, nil
	}
	cond, err := b.Condition.EvalBool(scope)
	if err != nil {
		return false, &core.EvaluationError{Path: b.path + "/$if", Expr: b.Condition.String(), Err: err}
	}
	prev, seen := b.cell.Swap(cond)
	if !b.Options.Has(OnOff) {
		return cond, nil
	}
	if !seen {
		return cond, nil
	}
	return cond != prev, nil
}

func (b *Block) evalBody(scope core.Scope) (*core.Map, error) {
	switch {
	case b.nested != nil:
		return b.nested.Evaluate(scope)
	case b.body != nil:
		return b.body.evalMap(scope, b.path)
	case b.dynamic != nil:
		return evalDynamic(b.dynamic, scope, b.path+"/$def")
	}
	return nil, &core.ConfigError{Path: b.path, Message: "block has no body"}
}

// Definition is an ordered list of blocks merged left to right. The parsed
// structure is immutable; only the per-block cells change during evaluation,
// so a Definition may be evaluated from several goroutines.
type Definition struct {
	path    string
	blocks  []*Block
	dynamic *Expression
}

// Blocks returns the blocks in merge order.
func (d *Definition) Blocks() []*Block { return d.blocks }

// Evaluate computes the record body for scope.
func (d *Definition) Evaluate(scope core.Scope) (*core.Map, error) {
	if d == nil {
		return nil, &core.ConfigError{Message: "definition is empty"}
	}
	if d.dynamic != nil {
		return evalDynamic(d.dynamic, scope, d.path+"/$def")
	}
	acc := core.NewMap()
	for _, b := range d.blocks {
		ok, err := b.applies(scope)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		body, err := b.evalBody(scope)
		if err != nil {
			return nil, err
		}
		acc = core.Merge(acc, body)
	}
	return acc, nil
}

// evalDynamic evaluates a '$def' expression. A mapping is used as a body; a
// list of mappings is merged in order.
func evalDynamic(expr *Expression, scope core.Scope, path string) (*core.Map, error) {
	v, err := expr.Eval(scope)
	if err != nil {
		return nil, &core.EvaluationError{Path: path, Expr: expr.String(), Err: err}
	}
	if m, ok := v.AsMap(); ok {
		return m, nil
	}
	if items, ok := v.AsList(); ok {
		acc := core.NewMap()
		for i, item := range items {
			m, ok := item.AsMap()
			if !ok {
				return nil, &core.EvaluationError{Path: fmt.Sprintf("%s[%d]", path, i), Expr: expr.String(),
					Err: fmt.Errorf("expected a mapping, got %s", item.Kind())}
			}
			acc = core.Merge(acc, m)
		}
		return acc, nil
	}
	return nil, &core.EvaluationError{Path: path, Expr: expr.String(),
		Err: fmt.Errorf("the '$def' expression must return a mapping, got %s", v.Kind())}
}

// Static returns a Definition with a single unconditional block whose body is
// the given mapping.
func Static(body *core.Map) *Definition {
	return &Definition{
		blocks: []*Block{{body: mapNodeFromMap(body), path: "/$def"}},
	}
}

func mapNodeFromMap(m *core.Map) *mapNode {
	n := &mapNode{}
	m.Range(func(k string, v core.Value) bool {
		n.add(k, bodyFromValue(v))
		return true
	})
	return n
}
