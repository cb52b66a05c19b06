// Package graph provides the workflow execution engine: nodes with declared
// ports, the dependency graph that connects them, and the Executor that runs
// the graph through a pluggable Backend with content-addressed caching.
package graph

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/dshills/pipeflow/graph/cache"
)

// PortKind tells the engine whether a port carries a plain value or a path.
type PortKind int

const (
	// ValuePort carries a JSON-compatible value.
	ValuePort PortKind = iota

	// FilePort carries a path (or list of paths). The file contents take
	// part in the fingerprint according to PortSpec.Hash.
	FilePort
)

// PortSpec declares one input or output of a node.
type PortSpec struct {
	Name string
	Kind PortKind

	// Hash selects how a FilePort input is fingerprinted.
	Hash cache.HashMode

	// Optional inputs may stay unset; optional outputs may be omitted.
	Optional bool

	// Default is used for an input that has neither a literal nor an edge.
	Default Optional[any]
}

// Port declares a value port.
func Port(name string) PortSpec {
	return PortSpec{Name: name}
}

// File declares a content-hashed file port.
func File(name string) PortSpec {
	return PortSpec{Name: name, Kind: FilePort}
}

// WithDefault returns a copy of p with a default value.
func (p PortSpec) WithDefault(v any) PortSpec {
	p.Default = Some(v)
	return p
}

// AsOptional returns a copy of p that may stay unset.
func (p PortSpec) AsOptional() PortSpec {
	p.Optional = true
	return p
}

// HashByName returns a copy of p fingerprinted by path only.
func (p PortSpec) HashByName() PortSpec {
	p.Hash = cache.HashName
	return p
}

// Required reports whether an input must be bound before execution.
func (p PortSpec) Required() bool {
	return !p.Optional && !p.Default.IsSet()
}

// Ports groups the declared inputs and outputs of a node.
type Ports struct {
	In  []PortSpec
	Out []PortSpec
}

// Values maps port names to values.
type Values map[string]any

// Get returns the value for name and whether it is present.
func (v Values) Get(name string) (any, bool) {
	val, ok := v[name]
	return val, ok
}

// String returns the value for name formatted as a string.
func (v Values) String(name string) string {
	val, ok := v[name]
	if !ok || val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprint(val)
}

// Float returns the numeric value for name, or 0.
func (v Values) Float(name string) float64 {
	rv := reflect.ValueOf(v[name])
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	default:
		return 0
	}
}

// Int returns the numeric value for name rounded to an int.
func (v Values) Int(name string) int {
	return int(math.Round(v.Float(name)))
}

// Strings returns a list value as strings. A single string yields a
// one-element list.
func (v Values) Strings(name string) []string {
	val, ok := v[name]
	if !ok || val == nil {
		return nil
	}
	if s, ok := val.(string); ok {
		return []string{s}
	}
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []string{fmt.Sprint(val)}
	}
	out := make([]string, rv.Len())
	for i := range out {
		out[i] = fmt.Sprint(rv.Index(i).Interface())
	}
	return out
}

// Call is the input handed to Node.Run.
type Call struct {
	RunID   string
	Inputs  Values
	WorkDir string
}

// Node is one unit of computation in a Graph.
//
// Implementations declare a closed set of ports before the node is added to
// a graph, and must not share mutable state with other node instances. The
// Executor never calls Run directly; backends do.
type Node interface {
	// Name is unique within a graph.
	Name() string

	// Signature identifies the computation. Two nodes with the same signature
	// and inputs are assumed to produce the same outputs.
	Signature() string

	DeclareInputs() []PortSpec
	DeclareOutputs() []PortSpec

	// Run performs the computation. A returned *Failure keeps its reason;
	// any other error is an execution failure.
	Run(ctx context.Context, call Call) (Values, error)
}

// Func is the body of a FuncNode.
type Func func(ctx context.Context, call Call) (Values, error)

// FuncNode runs a Go function in-process.
type FuncNode struct {
	name      string
	signature string
	ports     Ports
	fn        Func
}

// NewFuncNode returns a node that calls fn. The signature should change
// whenever fn's behaviour changes.
//
// Example:
//
//	add := graph.NewFuncNode("add", "add/v1",
//	    graph.Ports{
//	        In:  []graph.PortSpec{graph.Port("a"), graph.Port("b").WithDefault(1)},
//	        Out: []graph.PortSpec{graph.Port("sum")},
//	    },
//	    func(ctx context.Context, call graph.Call) (graph.Values, error) {
//	        return graph.Values{"sum": call.Inputs.Float("a") + call.Inputs.Float("b")}, nil
//	    })
func NewFuncNode(name, signature string, ports Ports, fn Func) *FuncNode {
	return &FuncNode{name: name, signature: signature, ports: ports, fn: fn}
}

func (f *FuncNode) Name() string               { return f.name }
func (f *FuncNode) Signature() string          { return f.signature }
func (f *FuncNode) DeclareInputs() []PortSpec  { return clonePorts(f.ports.In) }
func (f *FuncNode) DeclareOutputs() []PortSpec { return clonePorts(f.ports.Out) }

// Run calls the wrapped function.
func (f *FuncNode) Run(ctx context.Context, call Call) (Values, error) {
	if f.fn == nil {
		return nil, fmt.Errorf("node %s has no function", f.name)
	}
	return f.fn(ctx, call)
}

// IdentityNode passes a fixed set of fields from its inputs to its outputs.
// It is typically used to fan a set of parameters out to several consumers.
type IdentityNode struct {
	name   string
	fields []string
}

// NewIdentityNode builds an identity node whose ports are the given fields.
func NewIdentityNode(name string, fields ...string) *IdentityNode {
	fs := append([]string(nil), fields...)
	sort.Strings(fs)
	return &IdentityNode{name: name, fields: fs}
}

func (n *IdentityNode) Name() string { return n.name }

func (n *IdentityNode) Signature() string {
	return "identity(" + strings.Join(n.fields, ",") + ")"
}

func (n *IdentityNode) DeclareInputs() []PortSpec  { return n.ports() }
func (n *IdentityNode) DeclareOutputs() []PortSpec { return n.ports() }

func (n *IdentityNode) ports() []PortSpec {
	out := make([]PortSpec, len(n.fields))
	for i, f := range n.fields {
		out[i] = Port(f)
	}
	return out
}

// Run copies every field through.
func (n *IdentityNode) Run(_ context.Context, call Call) (Values, error) {
	out := make(Values, len(n.fields))
	for _, f := range n.fields {
		if v, ok := call.Inputs[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// renamed gives an existing node a new name, as used by sub-graph
// flattening and MapNode expansion.
type renamed struct {
	Node
	name string
}

func (r *renamed) Name() string { return r.name }

// Unwrap returns the wrapped node.
func (r *renamed) Unwrap() Node { return r.Node }

func rename(n Node, name string) Node {
	if r, ok := n.(*renamed); ok {
		return &renamed{Node: r.Node, name: name}
	}
	return &renamed{Node: n, name: name}
}

// Underlying strips any renaming wrappers and returns the node that
// implements the computation. Backends use it to discover optional
// capabilities such as Scripter.
func Underlying(n Node) Node {
	for {
		u, ok := n.(interface{ Unwrap() Node })
		if !ok {
			return n
		}
		n = u.Unwrap()
	}
}

func clonePorts(ports []PortSpec) []PortSpec {
	return append([]PortSpec(nil), ports...)
}

func findPort(ports []PortSpec, name string) (PortSpec, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}
