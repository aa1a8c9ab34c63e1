package template

import (
	"fmt"

	"github.com/INLOpen/nexusrelay/core"
)

// node is one element of a block body: a literal, an expression leaf, or a
// mapping/sequence of nodes.
type node interface {
	eval(scope core.Scope, path string) (core.Value, error)
}

type literalNode struct {
	v core.Value
}

func (n literalNode) eval(core.Scope, string) (core.Value, error) {
	return n.v.Clone(), nil
}

type exprNode struct {
	expr *Expression
}

func (n exprNode) eval(scope core.Scope, path string) (core.Value, error) {
	v, err := n.expr.Eval(scope)
	if err != nil {
		return core.Value{}, &core.EvaluationError{Path: path, Expr: n.expr.String(), Err: err}
	}
	return v, nil
}

type mapNode struct {
	keys []string
	vals []node
}

func (n *mapNode) add(k string, v node) {
	for i, existing := range n.keys {
		if existing == k {
			n.vals[i] = v
			return
		}
	}
	n.keys = append(n.keys, k)
	n.vals = append(n.vals, v)
}

func (n *mapNode) eval(scope core.Scope, path string) (core.Value, error) {
	m, err := n.evalMap(scope, path)
	if err != nil {
		return core.Value{}, err
	}
	return core.MapValue(m), nil
}

func (n *mapNode) evalMap(scope core.Scope, path string) (*core.Map, error) {
	out := core.NewMap()
	for i, k := range n.keys {
		v, err := n.vals[i].eval(scope, path+"/"+k)
		if err != nil {
			return nil, err
		}
		out.Set(k, v)
	}
	return out, nil
}

type listNode struct {
	items []node
}

func (n *listNode) eval(scope core.Scope, path string) (core.Value, error) {
	out := make([]core.Value, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(scope, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return core.Value{}, err
		}
		out[i] = v
	}
	return core.List(out...), nil
}

// bodyFromValue builds a constant body from an already materialized value.
func bodyFromValue(v core.Value) node {
	return literalNode{v: v}
}
