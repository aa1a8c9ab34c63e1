package template

import (
	"fmt"
	"os"
	"strings"

	"github.com/INLOpen/nexusrelay/core"
	"gopkg.in/yaml.v3"
)

// ExprTag marks a YAML scalar as an expression, e.g. `value: !expr data.load * 100`.
const ExprTag = "!expr"

const (
	keyDef  = "$def"
	keyIf   = "$if"
	keyOpts = "$opts"
)

// Parse reads a definition from a YAML document.
func Parse(data []byte) (*Definition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &core.ConfigError{Message: fmt.Sprintf("failed to parse template: %v", err)}
	}
	return FromNode(&doc)
}

// ParseFile reads a definition from a YAML file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file %s: %w", path, err)
	}
	return Parse(data)
}

// FromNode builds a definition from a decoded YAML node. The node must be a
// mapping holding a '$def' key.
func FromNode(n *yaml.Node) (*Definition, error) {
	n = resolve(n)
	if n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null") {
		return nil, &core.ConfigError{Message: "the writer definition is empty"}
	}
	return parseDefinition(n, "")
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil {
		switch n.Kind {
		case yaml.DocumentNode:
			if len(n.Content) == 0 {
				return nil
			}
			n = n.Content[0]
		case yaml.AliasNode:
			n = n.Alias
		default:
			return n
		}
	}
	return nil
}

func configErr(path string, n *yaml.Node, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if n != nil && n.Line > 0 {
		msg = fmt.Sprintf("%s (line %d)", msg, n.Line)
	}
	if path == "" {
		path = "/"
	}
	return &core.ConfigError{Path: path, Message: msg}
}

// parseDefinition parses a mapping that must contain '$def'.
func parseDefinition(n *yaml.Node, path string) (*Definition, error) {
	if n.Kind != yaml.MappingNode {
		return nil, configErr(path, n, "the definition must be a mapping")
	}
	var defNode *yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		switch key {
		case keyDef:
			defNode = resolve(n.Content[i+1])
		case keyIf, keyOpts:
		default:
			return nil, configErr(path, n.Content[i], "unexpected key '%s' next to '$def'", key)
		}
	}
	if defNode == nil {
		return nil, configErr(path, n, "there must be '$def' property")
	}
	return parseDefValue(defNode, path+"/"+keyDef)
}

// parseDefValue parses the value of a '$def' key: a list of blocks, a single
// block or an expression.
func parseDefValue(n *yaml.Node, path string) (*Definition, error) {
	def := &Definition{path: strings.TrimSuffix(path, "/"+keyDef)}
	switch n.Kind {
	case yaml.SequenceNode:
		for i, item := range n.Content {
			b, err := parseBlock(resolve(item), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			def.blocks = append(def.blocks, b)
		}
	case yaml.MappingNode:
		b, err := parseBlock(n, path)
		if err != nil {
			return nil, err
		}
		def.blocks = []*Block{b}
	case yaml.ScalarNode:
		if n.Tag != ExprTag {
			return nil, configErr(path, n, "invalid type of '$def' property, it must be a list, a mapping or an expression")
		}
		expr, err := compileAt(n.Value, path, n)
		if err != nil {
			return nil, err
		}
		def.dynamic = expr
	default:
		return nil, configErr(path, n, "invalid type of '$def' property")
	}
	return def, nil
}

func parseBlock(n *yaml.Node, path string) (*Block, error) {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil, configErr(path, n, "a block must be a mapping")
	}
	b := &Block{path: path}
	body := &mapNode{}
	var defNode *yaml.Node

	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], resolve(n.Content[i+1])
		switch k.Value {
		case keyIf:
			cond, err := parseCondition(v, path+"/"+keyIf)
			if err != nil {
				return nil, err
			}
			b.Condition = cond
		case keyOpts:
			opts, err := parseOpts(v, path+"/"+keyOpts)
			if err != nil {
				return nil, err
			}
			b.Options = opts
		case keyDef:
			defNode = v
		default:
			val, err := parseValue(v, path+"/"+k.Value)
			if err != nil {
				return nil, err
			}
			body.add(k.Value, val)
		}
	}

	switch {
	case defNode != nil && len(body.keys) > 0:
		return nil, configErr(path, n, "a block cannot have both '$def' and body keys")
	case defNode != nil:
		if defNode.Kind == yaml.ScalarNode && defNode.Tag == ExprTag {
			expr, err := compileAt(defNode.Value, path+"/"+keyDef, defNode)
			if err != nil {
				return nil, err
			}
			b.dynamic = expr
			break
		}
		nested, err := parseDefValue(defNode, path+"/"+keyDef)
		if err != nil {
			return nil, err
		}
		b.nested = nested
	case len(body.keys) > 0:
		b.body = body
	default:
		return nil, configErr(path, n, "the block has no body")
	}
	return b, nil
}

func parseCondition(n *yaml.Node, path string) (*Expression, error) {
	if n == nil || n.Kind != yaml.ScalarNode {
		return nil, configErr(path, n, "the '$if' expression must be a scalar")
	}
	switch n.Tag {
	case ExprTag, "!!str", "!!bool", "":
		return compileAt(n.Value, path, n)
	}
	return nil, configErr(path, n, "the '$if' expression must be an expression, got %s", n.Tag)
}

func parseOpts(n *yaml.Node, path string) (Options, error) {
	var raw string
	switch {
	case n != nil && n.Kind == yaml.ScalarNode:
		raw = n.Value
	case n != nil && n.Kind == yaml.SequenceNode:
		parts := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			parts = append(parts, item.Value)
		}
		raw = strings.Join(parts, ",")
	default:
		return 0, configErr(path, n, "'$opts' must be a string or a list")
	}
	opts, err := ParseOptions(raw)
	if err != nil {
		return 0, configErr(path, n, "%v", err)
	}
	return opts, nil
}

func compileAt(src, path string, n *yaml.Node) (*Expression, error) {
	expr, err := Compile(src)
	if err != nil {
		return nil, configErr(path, n, "%v", err)
	}
	return expr, nil
}

func parseValue(n *yaml.Node, path string) (node, error) {
	if n == nil {
		return literalNode{}, nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == ExprTag {
			expr, err := compileAt(n.Value, path, n)
			if err != nil {
				return nil, err
			}
			return exprNode{expr: expr}, nil
		}
		var raw any
		if err := n.Decode(&raw); err != nil {
			return nil, configErr(path, n, "%v", err)
		}
		v, err := core.FromNative(raw)
		if err != nil {
			return nil, configErr(path, n, "%v", err)
		}
		return literalNode{v: v}, nil
	case yaml.MappingNode:
		m := &mapNode{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i].Value
			v, err := parseValue(resolve(n.Content[i+1]), path+"/"+k)
			if err != nil {
				return nil, err
			}
			m.add(k, v)
		}
		return m, nil
	case yaml.SequenceNode:
		l := &listNode{items: make([]node, 0, len(n.Content))}
		for i, item := range n.Content {
			v, err := parseValue(resolve(item), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			l.items = append(l.items, v)
		}
		return l, nil
	}
	return nil, configErr(path, n, "unsupported YAML node")
}
