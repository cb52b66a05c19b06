package graph

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"unicode"
)

// Edge routes one producer output into one consumer input.
type Edge struct {
	From   string `json:"from"`
	Output string `json:"output"`
	To     string `json:"to"`
	Input  string `json:"input"`
}

func (e Edge) String() string {
	return e.From + "." + e.Output + " -> " + e.To + "." + e.Input
}

// Graph is a set of nodes and the data dependencies between them.
//
// A Graph is built once and then handed to an Executor, which works on a
// private copy. Graph methods are not safe for concurrent use.
type Graph struct {
	nodes    map[string]Node
	inputs   map[string][]PortSpec
	outputs  map[string][]PortSpec
	literals map[string]map[string]any
	// incoming maps consumer -> input -> edge feeding it.
	incoming map[string]map[string]Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]Node),
		inputs:   make(map[string][]PortSpec),
		outputs:  make(map[string][]PortSpec),
		literals: make(map[string]map[string]any),
		incoming: make(map[string]map[string]Edge),
	}
}

// AddNode adds n under n.Name(). The node's ports are captured now; later
// changes to the node's declarations are not observed.
func (g *Graph) AddNode(n Node) error {
	if n == nil {
		return &ExecutorError{Message: "node cannot be nil", Code: "NIL_NODE"}
	}
	if err := validateName(n.Name()); err != nil {
		return err
	}
	return g.addNode(n)
}

// addNode skips name validation, for qualified and expanded names.
func (g *Graph) addNode(n Node) error {
	name := n.Name()
	if _, exists := g.nodes[name]; exists {
		return &DuplicateNodeError{Name: name}
	}

	in := n.DeclareInputs()
	out := n.DeclareOutputs()
	if err := checkPorts(name, in, DirInput); err != nil {
		return err
	}
	if err := checkPorts(name, out, DirOutput); err != nil {
		return err
	}

	g.nodes[name] = n
	g.inputs[name] = in
	g.outputs[name] = out
	return nil
}

// SetInput binds a literal value to an input.
func (g *Graph) SetInput(node, input string, value any) error {
	if _, err := g.inputPort(node, input); err != nil {
		return err
	}
	if existing, ok := g.binding(node, input); ok {
		return &PortConflictError{Node: node, Input: input, Existing: existing}
	}
	if g.literals[node] == nil {
		g.literals[node] = make(map[string]any)
	}
	g.literals[node][input] = value
	return nil
}

// Connect routes producer.output into consumer.input.
//
// Connect does not check for cycles; Validate does, and the Executor
// validates before running.
func (g *Graph) Connect(producer, output, consumer, input string) error {
	if _, ok := g.nodes[producer]; !ok {
		return &UnknownNodeError{Name: producer}
	}
	if _, ok := findPort(g.outputs[producer], output); !ok {
		return &UnknownPortError{Node: producer, Port: output, Direction: DirOutput}
	}
	if _, err := g.inputPort(consumer, input); err != nil {
		return err
	}
	if existing, ok := g.binding(consumer, input); ok {
		return &PortConflictError{Node: consumer, Input: input, Existing: existing}
	}

	if g.incoming[consumer] == nil {
		g.incoming[consumer] = make(map[string]Edge)
	}
	g.incoming[consumer][input] = Edge{From: producer, Output: output, To: consumer, Input: input}
	return nil
}

// AddGraph copies every node, literal and edge of sub into g, qualifying
// each node name as prefix + "." + name. Nested graphs may be added
// repeatedly, producing names such as "outer.inner.node".
func (g *Graph) AddGraph(prefix string, sub *Graph) error {
	if err := validateName(prefix); err != nil {
		return err
	}
	qualify := func(name string) string { return prefix + "." + name }

	for _, name := range sub.Nodes() {
		if err := g.addNode(rename(sub.nodes[name], qualify(name))); err != nil {
			return err
		}
	}
	for _, name := range sub.Nodes() {
		for input, v := range sub.literals[name] {
			if err := g.SetInput(qualify(name), input, v); err != nil {
				return err
			}
		}
	}
	for _, e := range sub.Edges() {
		if err := g.Connect(qualify(e.From), e.Output, qualify(e.To), e.Input); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the graph is acyclic and that every required input
// has a literal, an edge, or a default. The first problem found is returned:
// a *CyclicGraphError or an *UnresolvedInputError.
func (g *Graph) Validate() error {
	names := g.Nodes()
	if cycle := findCycle(names, g.Downstream); cycle != nil {
		return &CyclicGraphError{Cycle: cycle}
	}

	for _, name := range names {
		for _, p := range g.inputs[name] {
			if !p.Required() {
				continue
			}
			if _, ok := g.binding(name, p.Name); !ok {
				return &UnresolvedInputError{Node: name, Input: p.Name}
			}
		}
	}
	return nil
}

// TopologicalLayers returns the nodes grouped into layers: every node's
// producers lie in earlier layers, and each layer is sorted by name. The
// sequence is computed lazily and may be iterated more than once. For a
// cyclic graph it stops before the first node on a cycle.
func (g *Graph) TopologicalLayers() iter.Seq[[]string] {
	return kahnLayers(g.Nodes(), g.Upstream)
}

// Nodes returns all node names, sorted.
func (g *Graph) Nodes() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Inputs returns the input ports of name as declared when it was added.
func (g *Graph) Inputs(name string) []PortSpec {
	return clonePorts(g.inputs[name])
}

// Outputs returns the output ports of name as declared when it was added.
func (g *Graph) Outputs(name string) []PortSpec {
	return clonePorts(g.outputs[name])
}

// Literal returns the literal bound to node.input, if any.
func (g *Graph) Literal(node, input string) (any, bool) {
	v, ok := g.literals[node][input]
	return v, ok
}

// Edges returns all edges sorted by consumer, then input.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, byInput := range g.incoming {
		for _, e := range byInput {
			edges = append(edges, e)
		}
	}
	sortEdges(edges)
	return edges
}

// Incoming returns the edges feeding name, sorted by input.
func (g *Graph) Incoming(name string) []Edge {
	edges := make([]Edge, 0, len(g.incoming[name]))
	for _, e := range g.incoming[name] {
		edges = append(edges, e)
	}
	sortEdges(edges)
	return edges
}

// Outgoing returns the edges leaving name.
func (g *Graph) Outgoing(name string) []Edge {
	var edges []Edge
	for _, byInput := range g.incoming {
		for _, e := range byInput {
			if e.From == name {
				edges = append(edges, e)
			}
		}
	}
	sortEdges(edges)
	return edges
}

// Upstream returns the distinct producers feeding name, sorted.
func (g *Graph) Upstream(name string) []string {
	seen := make(map[string]struct{})
	for _, e := range g.incoming[name] {
		seen[e.From] = struct{}{}
	}
	return sortedKeys(seen)
}

// Downstream returns the distinct consumers of name, sorted.
func (g *Graph) Downstream(name string) []string {
	seen := make(map[string]struct{})
	for _, byInput := range g.incoming {
		for _, e := range byInput {
			if e.From == name {
				seen[e.To] = struct{}{}
			}
		}
	}
	return sortedKeys(seen)
}

// Expand replaces every MapNode whose inputs are all literals or defaults
// with its sub-nodes and gather node. MapNodes fed by edges are left for the
// Executor, which expands them once their producers have finished.
func (g *Graph) Expand() error {
	for _, name := range g.Nodes() {
		m, ok := asMapNode(g.nodes[name])
		if !ok || len(g.incoming[name]) > 0 {
			continue
		}
		if err := g.expandMap(name, m, g.literalInputs(name)); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a copy that shares node implementations but no bookkeeping.
func (g *Graph) Clone() *Graph {
	c := New()
	for name, n := range g.nodes {
		c.nodes[name] = n
		c.inputs[name] = clonePorts(g.inputs[name])
		c.outputs[name] = clonePorts(g.outputs[name])
	}
	for name, lits := range g.literals {
		c.literals[name] = make(map[string]any, len(lits))
		for k, v := range lits {
			c.literals[name][k] = v
		}
	}
	for name, byInput := range g.incoming {
		c.incoming[name] = make(map[string]Edge, len(byInput))
		for k, e := range byInput {
			c.incoming[name][k] = e
		}
	}
	return c
}

func (g *Graph) inputPort(node, input string) (PortSpec, error) {
	if _, ok := g.nodes[node]; !ok {
		return PortSpec{}, &UnknownNodeError{Name: node}
	}
	p, ok := findPort(g.inputs[node], input)
	if !ok {
		return PortSpec{}, &UnknownPortError{Node: node, Port: input, Direction: DirInput}
	}
	return p, nil
}

// binding describes how node.input is currently bound, if it is.
func (g *Graph) binding(node, input string) (string, bool) {
	if e, ok := g.incoming[node][input]; ok {
		return "edge " + e.String(), true
	}
	if v, ok := g.literals[node][input]; ok {
		return fmt.Sprintf("literal %v", v), true
	}
	return "", false
}

// literalInputs returns the literal or default value of every input of name
// that has one.
func (g *Graph) literalInputs(name string) map[string]any {
	out := make(map[string]any, len(g.inputs[name]))
	for _, p := range g.inputs[name] {
		if v, ok := g.literals[name][p.Name]; ok {
			out[p.Name] = v
		} else if v, ok := p.Default.Get(); ok {
			out[p.Name] = v
		}
	}
	return out
}

// removeNode deletes name with its literals and incoming edges. Outgoing
// edges are kept, so a replacement node with the same name and outputs
// inherits the consumers.
func (g *Graph) removeNode(name string) {
	delete(g.nodes, name)
	delete(g.inputs, name)
	delete(g.outputs, name)
	delete(g.literals, name)
	delete(g.incoming, name)
}

func checkPorts(node string, ports []PortSpec, dir PortDirection) error {
	seen := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		if p.Name == "" {
			return &ExecutorError{
				Message: fmt.Sprintf("node %s declares an %s with an empty name", node, dir),
				Code:    "INVALID_PORT",
			}
		}
		if _, dup := seen[p.Name]; dup {
			return &ExecutorError{
				Message: fmt.Sprintf("node %s declares %s %q twice", node, dir, p.Name),
				Code:    "INVALID_PORT",
			}
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// validateName rejects names that collide with qualified or expanded names.
func validateName(name string) error {
	if name == "" {
		return &InvalidNameError{Name: name, Reason: "name cannot be empty"}
	}
	if strings.ContainsAny(name, ".[]/") {
		return &InvalidNameError{Name: name, Reason: `name cannot contain ".", "[", "]" or "/"`}
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return &InvalidNameError{Name: name, Reason: "name cannot contain whitespace"}
	}
	return nil
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Input < edges[j].Input
	})
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
