// Package pipeline loads pipeline declarations written in HCL into a
// *graph.Graph of command nodes.
//
// A declaration file contains variable, node and edge blocks:
//
//	variable "subject" {
//	  default = "sub-01"
//	}
//
//	node "bet" {
//	  program = "bet"
//	  args    = ["{in_file}", "{out_file}", "-f", "{frac}"]
//	  derived = { out_file = "{in_file:stem}_brain.nii.gz" }
//
//	  input "in_file" {
//	    file  = true
//	    value = "/data/${var.subject}/T1w.nii.gz"
//	  }
//	  input "frac" {
//	    default = 0.5
//	  }
//	  output "out_file" {
//	    file = true
//	    path = "{out_file}"
//	  }
//	}
//
//	node "fast" {
//	  program  = "fast"
//	  args     = ["{in_file}"]
//	  map_over = ["in_file"]
//	  input "in_file" {
//	    file = true
//	    from = "bet.out_file"
//	  }
//	}
//
//	edge {
//	  from = "fast.seg"
//	  to   = "report.segmentations"
//	}
//
// Argument, env, derived and output path strings use the node placeholder
// syntax ("{in_file}", "{in_file:stem}"). HCL interpolation ("${var.x}") is
// resolved while loading.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/cache"
)

// FileExtension is the extension Load looks for in directories.
const FileExtension = ".hcl"

// rawFile is the top level of a declaration file. Node and edge bodies are
// decoded later, once variables are known.
type rawFile struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Nodes     []*rawBlock      `hcl:"node,block"`
	Edges     []*rawEdge       `hcl:"edge,block"`
}

type variableBlock struct {
	Name        string         `hcl:"name,label"`
	Description string         `hcl:"description,optional"`
	Default     hcl.Expression `hcl:"default,optional"`
}

type rawBlock struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type rawEdge struct {
	Body hcl.Body `hcl:",remain"`
}

type nodeBlock struct {
	Program string            `hcl:"program"`
	Args    []string          `hcl:"args,optional"`
	Env     map[string]string `hcl:"env,optional"`
	Derived map[string]string `hcl:"derived,optional"`
	Stdout  string            `hcl:"stdout,optional"`
	Version string            `hcl:"version,optional"`
	MapOver []string          `hcl:"map_over,optional"`
	Nested  bool              `hcl:"nested,optional"`
	Inputs  []*inputBlock     `hcl:"input,block"`
	Outputs []*outputBlock    `hcl:"output,block"`
}

type inputBlock struct {
	Name     string         `hcl:"name,label"`
	File     bool           `hcl:"file,optional"`
	Hash     string         `hcl:"hash,optional"`
	Optional bool           `hcl:"optional,optional"`
	Default  hcl.Expression `hcl:"default,optional"`
	Value    hcl.Expression `hcl:"value,optional"`
	From     string         `hcl:"from,optional"`
}

type outputBlock struct {
	Name     string `hcl:"name,label"`
	File     bool   `hcl:"file,optional"`
	Path     string `hcl:"path,optional"`
	Optional bool   `hcl:"optional,optional"`
}

type edgeBlock struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// Option configures a Loader.
type Option func(*Loader)

// WithVariables overrides variable defaults. Values are strings, as they
// usually come from the environment or the command line.
func WithVariables(vars map[string]string) Option {
	return func(l *Loader) {
		for k, v := range vars {
			l.overrides[k] = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Loader accumulates declaration files and builds one graph from all of
// them. Nodes may refer to nodes declared in other files.
type Loader struct {
	parser    *hclparse.Parser
	files     []*rawFile
	overrides map[string]string
	logger    *zap.Logger
}

// NewLoader returns an empty Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		parser:    hclparse.NewParser(),
		overrides: make(map[string]string),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load parses every path and builds the graph. Directories contribute
// their *.hcl files, recursively, in lexical order.
func Load(paths []string, opts ...Option) (*graph.Graph, error) {
	l := NewLoader(opts...)
	for _, p := range paths {
		files, err := findFiles(p)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			l.logger.Warn("no pipeline files found", zap.String("path", p))
		}
		for _, f := range files {
			if err := l.ParseFile(f); err != nil {
				return nil, err
			}
		}
	}
	return l.Build()
}

func findFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(p) == FileExtension {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find pipeline files in %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

// ParseFile adds the declarations in the file at path.
func (l *Loader) ParseFile(path string) error {
	f, diags := l.parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse pipeline file %s: %w", path, diags)
	}
	return l.add(f, path)
}

// Parse adds the declarations in src. filename is used in error messages.
func (l *Loader) Parse(src []byte, filename string) error {
	f, diags := l.parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse pipeline file %s: %w", filename, diags)
	}
	return l.add(f, filename)
}

func (l *Loader) add(f *hcl.File, filename string) error {
	var raw rawFile
	if diags := gohcl.DecodeBody(f.Body, nil, &raw); diags.HasErrors() {
		return fmt.Errorf("failed to decode pipeline file %s: %w", filename, diags)
	}
	l.files = append(l.files, &raw)
	l.logger.Debug("parsed pipeline file",
		zap.String("file", filename),
		zap.Int("nodes", len(raw.Nodes)),
		zap.Int("edges", len(raw.Edges)))
	return nil
}

// Build evaluates variables and returns the graph of every parsed file.
// The graph is validated before it is returned.
func (l *Loader) Build() (*graph.Graph, error) {
	ctx, err := l.evalContext()
	if err != nil {
		return nil, err
	}

	g := graph.New()
	var bindings []binding

	for _, f := range l.files {
		for _, raw := range f.Nodes {
			n, b, err := buildNode(raw, ctx)
			if err != nil {
				return nil, err
			}
			if err := g.AddNode(n); err != nil {
				return nil, fmt.Errorf("%s: %w", raw.Body.MissingItemRange(), err)
			}
			bindings = append(bindings, b...)
		}
	}

	// Edges and literals are applied once every node exists, so files may
	// be given in any order.
	for _, f := range l.files {
		for _, raw := range f.Edges {
			var e edgeBlock
			if diags := gohcl.DecodeBody(raw.Body, ctx, &e); diags.HasErrors() {
				return nil, diags
			}
			bindings = append(bindings, binding{
				rng:  raw.Body.MissingItemRange(),
				from: e.From,
				to:   e.To,
			})
		}
	}
	for _, b := range bindings {
		if err := b.apply(g); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	l.logger.Info("loaded pipeline", zap.Int("nodes", g.Len()), zap.Int("edges", len(g.Edges())))
	return g, nil
}

// evalContext resolves variables into the var object and registers the
// functions available in expressions.
func (l *Loader) evalContext() (*hcl.EvalContext, error) {
	vars := make(map[string]cty.Value)
	declared := make(map[string]struct{})
	for _, f := range l.files {
		for _, v := range f.Variables {
			if _, dup := declared[v.Name]; dup {
				return nil, fmt.Errorf("%s: variable %q declared twice", v.Default.Range(), v.Name)
			}
			declared[v.Name] = struct{}{}

			if s, ok := l.overrides[v.Name]; ok {
				vars[v.Name] = cty.StringVal(s)
				continue
			}
			val, diags := v.Default.Value(nil)
			if diags.HasErrors() {
				return nil, diags
			}
			if val.IsNull() {
				return nil, fmt.Errorf("variable %q has no default and was not set", v.Name)
			}
			vars[v.Name] = val
		}
	}
	for name := range l.overrides {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("variable %q is set but not declared", name)
		}
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(vars)},
		Functions: map[string]function.Function{
			"concat": stdlib.ConcatFunc,
			"format": stdlib.FormatFunc,
			"join":   stdlib.JoinFunc,
			"lower":  stdlib.LowerFunc,
			"range":  stdlib.RangeFunc,
			"upper":  stdlib.UpperFunc,
		},
	}, nil
}

// binding is an edge or a literal input, applied after all nodes exist.
type binding struct {
	rng   hcl.Range
	from  string // "node.output" for edges
	to    string // "node.input"
	value any
	isLit bool
}

func (b binding) apply(g *graph.Graph) error {
	toNode, toInput, err := splitRef(b.to)
	if err != nil {
		return fmt.Errorf("%s: %w", b.rng, err)
	}
	if b.isLit {
		if err := g.SetInput(toNode, toInput, b.value); err != nil {
			return fmt.Errorf("%s: %w", b.rng, err)
		}
		return nil
	}
	fromNode, fromOutput, err := splitRef(b.from)
	if err != nil {
		return fmt.Errorf("%s: %w", b.rng, err)
	}
	if err := g.Connect(fromNode, fromOutput, toNode, toInput); err != nil {
		return fmt.Errorf("%s: %w", b.rng, err)
	}
	return nil
}

func splitRef(ref string) (node, port string, err error) {
	node, port, ok := strings.Cut(ref, ".")
	if !ok || node == "" || port == "" {
		return "", "", fmt.Errorf("reference %q must have the form node.port", ref)
	}
	return node, port, nil
}

// buildNode turns one node block into a CommandNode, wrapped in a MapNode
// when map_over is set, plus the bindings its input blocks declare.
func buildNode(raw *rawBlock, ctx *hcl.EvalContext) (graph.Node, []binding, error) {
	var nb nodeBlock
	if diags := gohcl.DecodeBody(raw.Body, ctx, &nb); diags.HasErrors() {
		return nil, nil, diags
	}

	spec := graph.CommandSpec{
		Program:     nb.Program,
		Args:        nb.Args,
		Env:         nb.Env,
		Derived:     nb.Derived,
		OutputFiles: make(map[string]string),
		StdoutTo:    nb.Stdout,
		Version:     nb.Version,
	}

	var bindings []binding
	for _, in := range nb.Inputs {
		port, err := inputPort(in, ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: input %s: %w", raw.Name, in.Name, err)
		}
		spec.Inputs = append(spec.Inputs, port)

		b, ok, err := inputBinding(raw.Name, in, ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: input %s: %w", raw.Name, in.Name, err)
		}
		if ok {
			bindings = append(bindings, b)
		}
	}
	for _, out := range nb.Outputs {
		port := graph.Port(out.Name)
		if out.File {
			port = graph.File(out.Name)
		}
		port.Optional = out.Optional
		spec.Outputs = append(spec.Outputs, port)
		if out.Path != "" {
			spec.OutputFiles[out.Name] = out.Path
		}
	}

	cmd, err := graph.NewCommandNode(raw.Name, spec)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", raw.Body.MissingItemRange(), err)
	}
	if len(nb.MapOver) == 0 {
		return cmd, bindings, nil
	}
	m, err := graph.NewMapNode(cmd, nb.MapOver, nb.Nested)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", raw.Body.MissingItemRange(), err)
	}
	return m, bindings, nil
}

func inputPort(in *inputBlock, ctx *hcl.EvalContext) (graph.PortSpec, error) {
	port := graph.Port(in.Name)
	if in.File {
		port = graph.File(in.Name)
	}
	mode, err := cache.ParseHashMode(in.Hash)
	if err != nil {
		return graph.PortSpec{}, err
	}
	if mode != cache.HashContent && !in.File {
		return graph.PortSpec{}, errors.New("hash applies to file inputs only")
	}
	port.Hash = mode
	port.Optional = in.Optional

	def, err := evalValue(in.Default, ctx)
	if err != nil {
		return graph.PortSpec{}, fmt.Errorf("default: %w", err)
	}
	if def != nil {
		port = port.WithDefault(def)
	}
	return port, nil
}

func inputBinding(node string, in *inputBlock, ctx *hcl.EvalContext) (binding, bool, error) {
	val, err := evalValue(in.Value, ctx)
	if err != nil {
		return binding{}, false, fmt.Errorf("value: %w", err)
	}
	to := node + "." + in.Name
	rng := in.Value.Range()

	switch {
	case val != nil && in.From != "":
		return binding{}, false, errors.New("value and from are mutually exclusive")
	case val != nil:
		return binding{rng: rng, to: to, value: val, isLit: true}, true, nil
	case in.From != "":
		return binding{rng: rng, from: in.From, to: to}, true, nil
	default:
		return binding{}, false, nil
	}
}

func evalValue(expr hcl.Expression, ctx *hcl.EvalContext) (any, error) {
	if expr == nil {
		return nil, nil
	}
	v, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, diags
	}
	return toGo(v)
}
