package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/dshills/pipeflow/graph/cache"
)

// MapNode applies an inner node to every element of one or more list inputs.
//
// A MapNode is never run directly. Before scheduling it is expanded into one
// sub-node per element, named "name[i]", and a gather node that keeps the
// MapNode's name and outputs, for each inner output, the list of sub-node
// results in input order. Expansion happens up front when all of the
// MapNode's inputs are literals, and inside the Executor once its producers
// finish otherwise.
//
// With several iterated inputs the elements are zipped (all lists must have
// the same length) or, when nested, combined as a cartesian product in
// row-major order. If any sub-node fails the gather node fails with it.
type MapNode struct {
	inner   Node
	iterate []string
	nested  bool
}

// NewMapNode wraps inner, iterating over the named inputs.
func NewMapNode(inner Node, iterate []string, nested bool) (*MapNode, error) {
	if inner == nil {
		return nil, errors.New("map node needs an inner node")
	}
	if _, ok := asMapNode(inner); ok {
		return nil, fmt.Errorf("map node %s cannot wrap another map node", inner.Name())
	}
	if len(iterate) == 0 {
		return nil, fmt.Errorf("map node %s must iterate over at least one input", inner.Name())
	}

	seen := make(map[string]struct{}, len(iterate))
	for _, f := range iterate {
		if _, ok := findPort(inner.DeclareInputs(), f); !ok {
			return nil, &UnknownPortError{Node: inner.Name(), Port: f, Direction: DirInput}
		}
		if _, dup := seen[f]; dup {
			return nil, fmt.Errorf("map node %s iterates over %q twice", inner.Name(), f)
		}
		seen[f] = struct{}{}
	}

	return &MapNode{
		inner:   inner,
		iterate: append([]string(nil), iterate...),
		nested:  nested,
	}, nil
}

func (m *MapNode) Name() string               { return m.inner.Name() }
func (m *MapNode) Signature() string          { return "map(" + m.inner.Signature() + ")" }
func (m *MapNode) DeclareInputs() []PortSpec  { return m.inner.DeclareInputs() }
func (m *MapNode) DeclareOutputs() []PortSpec { return m.inner.DeclareOutputs() }

// Inner returns the wrapped node.
func (m *MapNode) Inner() Node { return m.inner }

// Iterate returns the iterated input names.
func (m *MapNode) Iterate() []string { return append([]string(nil), m.iterate...) }

// Nested reports whether iteration is a cartesian product.
func (m *MapNode) Nested() bool { return m.nested }

// Run always fails: map nodes are expanded before execution.
func (m *MapNode) Run(context.Context, Call) (Values, error) {
	return nil, fmt.Errorf("map node %s must be expanded before it runs", m.Name())
}

func asMapNode(n Node) (*MapNode, bool) {
	if n == nil {
		return nil, false
	}
	m, ok := Underlying(n).(*MapNode)
	return m, ok
}

// elements returns one binding of iterated inputs per sub-node.
func (m *MapNode) elements(name string, inputs map[string]any) ([]map[string]any, error) {
	lists := make([][]any, len(m.iterate))
	for i, f := range m.iterate {
		v, ok := inputs[f]
		if !ok {
			return nil, &UnresolvedInputError{Node: name, Input: f}
		}
		list, ok := toList(v)
		if !ok {
			return nil, &ExecutorError{
				Message: fmt.Sprintf("map node %s: iterated input %q must be a list, got %T", name, f, v),
				Code:    "MAP_INPUT",
			}
		}
		lists[i] = list
	}

	if !m.nested {
		n := len(lists[0])
		for i, l := range lists[1:] {
			if len(l) != n {
				return nil, &ExecutorError{
					Message: fmt.Sprintf("map node %s: %q has %d elements but %q has %d",
						name, m.iterate[0], n, m.iterate[i+1], len(l)),
					Code: "MAP_INPUT",
				}
			}
		}
		out := make([]map[string]any, n)
		for j := range n {
			bind := make(map[string]any, len(m.iterate))
			for i, f := range m.iterate {
				bind[f] = lists[i][j]
			}
			out[j] = bind
		}
		return out, nil
	}

	out := []map[string]any{{}}
	for i, f := range m.iterate {
		next := make([]map[string]any, 0, len(out)*len(lists[i]))
		for _, prefix := range out {
			for _, v := range lists[i] {
				bind := make(map[string]any, len(prefix)+1)
				for k, pv := range prefix {
					bind[k] = pv
				}
				bind[f] = v
				next = append(next, bind)
			}
		}
		out = next
	}
	return out, nil
}

// expandMap replaces the map node called name with its sub-nodes and gather
// node. inputs are the map node's resolved inputs; they become literals on
// every sub-node. Edges leaving name are kept and now leave the gather node.
func (g *Graph) expandMap(name string, m *MapNode, inputs map[string]any) error {
	binds, err := m.elements(name, inputs)
	if err != nil {
		return err
	}

	iterated := make(map[string]struct{}, len(m.iterate))
	for _, f := range m.iterate {
		iterated[f] = struct{}{}
	}

	outputs := g.outputs[name]
	g.removeNode(name)

	subNames := make([]string, len(binds))
	for i, bind := range binds {
		subName := fmt.Sprintf("%s[%d]", name, i)
		subNames[i] = subName
		if err := g.addNode(rename(m.inner, subName)); err != nil {
			return err
		}
		lits := make(map[string]any, len(inputs))
		for k, v := range inputs {
			if _, ok := iterated[k]; !ok {
				lits[k] = v
			}
		}
		for k, v := range bind {
			lits[k] = v
		}
		g.literals[subName] = lits
	}

	if err := g.addNode(newGatherNode(name, m.inner.Signature(), outputs, len(binds))); err != nil {
		return err
	}
	for i, subName := range subNames {
		for _, o := range outputs {
			if err := g.Connect(subName, o.Name, name, gatherPort(o.Name, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// gatherNode collects sub-node outputs into lists.
type gatherNode struct {
	name      string
	signature string
	outputs   []PortSpec
	count     int
}

func newGatherNode(name, innerSignature string, outputs []PortSpec, count int) *gatherNode {
	return &gatherNode{
		name:      name,
		signature: "gather(" + innerSignature + ")",
		outputs:   clonePorts(outputs),
		count:     count,
	}
}

func gatherPort(output string, i int) string {
	return fmt.Sprintf("%s#%d", output, i)
}

func (n *gatherNode) Name() string      { return n.name }
func (n *gatherNode) Signature() string { return n.signature }

func (n *gatherNode) DeclareInputs() []PortSpec {
	ports := make([]PortSpec, 0, len(n.outputs)*n.count)
	for _, o := range n.outputs {
		for i := range n.count {
			// Sub-node results are cache artifacts named by fingerprint, so
			// their paths already identify their contents.
			ports = append(ports, PortSpec{
				Name:     gatherPort(o.Name, i),
				Kind:     o.Kind,
				Hash:     cache.HashName,
				Optional: o.Optional,
			})
		}
	}
	return ports
}

func (n *gatherNode) DeclareOutputs() []PortSpec {
	out := make([]PortSpec, len(n.outputs))
	for i, o := range n.outputs {
		out[i] = PortSpec{Name: o.Name, Kind: o.Kind}
	}
	return out
}

// Run builds one list per output, ordered by sub-node index.
func (n *gatherNode) Run(_ context.Context, call Call) (Values, error) {
	out := make(Values, len(n.outputs))
	for _, o := range n.outputs {
		list := make([]any, n.count)
		for i := range n.count {
			list[i] = call.Inputs[gatherPort(o.Name, i)]
		}
		out[o.Name] = list
	}
	return out, nil
}

// toList converts any slice or array to []any.
func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
