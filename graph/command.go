package graph

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dshills/pipeflow/graph/cache"
)

// File names a CommandNode writes into its work directory.
const (
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
)

// commandWaitDelay bounds how long Run waits for pipes after the process
// group has been killed.
const commandWaitDelay = 5 * time.Second

// CommandSpec describes an external program.
//
// Args, Env values, Derived and OutputFiles are templates: "{name}" is
// replaced by the value of input or derived value name. See expandTemplate
// for the supported modifiers.
type CommandSpec struct {
	Program string            `json:"program"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Inputs  []PortSpec `json:"-"`
	Outputs []PortSpec `json:"-"`

	// Derived computes values from other values when they are not set.
	// A derived name that is also an input is only computed when the input
	// is unset, so an explicit value always wins.
	Derived map[string]string `json:"derived,omitempty"`

	// OutputFiles maps output ports to paths relative to the work directory.
	// Each file must exist after the program exits.
	OutputFiles map[string]string `json:"output_files,omitempty"`

	// StdoutTo names an output port that receives the program's standard
	// output with surrounding whitespace trimmed.
	StdoutTo string `json:"stdout_to,omitempty"`

	// Version is folded into the signature. Bump it when the program's
	// behaviour changes without its command line changing.
	Version string `json:"version,omitempty"`
}

// Scripter is implemented by nodes that can describe themselves as a
// shell script. Batch backends use it to hand work to a cluster scheduler.
type Scripter interface {
	// Script returns a POSIX shell script that performs call when run.
	Script(call Call) (string, error)
	// Collect gathers outputs after the script has exited successfully.
	Collect(call Call) (Values, error)
}

// CommandNode runs an external program in its work directory.
type CommandNode struct {
	name      string
	spec      CommandSpec
	signature string
}

var _ Scripter = (*CommandNode)(nil)

// NewCommandNode validates spec and returns a node for it. Every template
// reference must name a declared input or a derived value, every output
// file and StdoutTo must name a declared output, and derived values must
// not depend on each other cyclically.
//
// Example:
//
//	bet, err := graph.NewCommandNode("skullstrip", graph.CommandSpec{
//	    Program: "bet",
//	    Args:    []string{"{in_file}", "{out_file}", "-f", "{frac}"},
//	    Inputs:  []graph.PortSpec{graph.File("in_file"), graph.Port("frac").WithDefault(0.5)},
//	    Outputs: []graph.PortSpec{graph.File("out_file")},
//	    Derived: map[string]string{"out_file": "{in_file:stem}_brain.nii.gz"},
//	    OutputFiles: map[string]string{"out_file": "{out_file}"},
//	})
func NewCommandNode(name string, spec CommandSpec) (*CommandNode, error) {
	if spec.Program == "" {
		return nil, fmt.Errorf("command node %s: program is required", name)
	}

	known := make(map[string]struct{}, len(spec.Inputs)+len(spec.Derived))
	for _, p := range spec.Inputs {
		known[p.Name] = struct{}{}
	}
	for d := range spec.Derived {
		known[d] = struct{}{}
	}

	check := func(what, tmpl string) error {
		for _, ref := range templateRefs(tmpl) {
			if _, ok := known[ref]; !ok {
				return &UnknownPortError{Node: name, Port: ref, Direction: DirInput}
			}
		}
		for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
			if _, err := applyModifier("", m[2]); err != nil {
				return fmt.Errorf("command node %s: %s: %w", name, what, err)
			}
		}
		return nil
	}
	for _, a := range spec.Args {
		if err := check("argument", a); err != nil {
			return nil, err
		}
	}
	for _, k := range sortedKeys(spec.Env) {
		if err := check("env "+k, spec.Env[k]); err != nil {
			return nil, err
		}
	}
	for _, k := range sortedKeys(spec.Derived) {
		if err := check("derived "+k, spec.Derived[k]); err != nil {
			return nil, err
		}
	}
	for _, k := range sortedKeys(spec.OutputFiles) {
		if _, ok := findPort(spec.Outputs, k); !ok {
			return nil, &UnknownPortError{Node: name, Port: k, Direction: DirOutput}
		}
		if err := check("output "+k, spec.OutputFiles[k]); err != nil {
			return nil, err
		}
	}
	if spec.StdoutTo != "" {
		if _, ok := findPort(spec.Outputs, spec.StdoutTo); !ok {
			return nil, &UnknownPortError{Node: name, Port: spec.StdoutTo, Direction: DirOutput}
		}
	}
	if cycle := derivedCycle(spec.Derived); cycle != nil {
		return nil, &CyclicGraphError{Cycle: cycle}
	}

	sig, err := commandSignature(spec)
	if err != nil {
		return nil, fmt.Errorf("command node %s: %w", name, err)
	}
	return &CommandNode{name: name, spec: spec, signature: sig}, nil
}

// commandSignature hashes everything that shapes the command line. Port
// declarations take part through their names only; their values are
// fingerprinted as inputs.
func commandSignature(spec CommandSpec) (string, error) {
	names := func(ports []PortSpec) []string {
		out := make([]string, len(ports))
		for i, p := range ports {
			out[i] = p.Name
		}
		sort.Strings(out)
		return out
	}
	data, err := cache.Canonical(map[string]any{
		"spec":    spec,
		"inputs":  names(spec.Inputs),
		"outputs": names(spec.Outputs),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "command:" + filepath.Base(spec.Program) + ":" + hex.EncodeToString(sum[:8]), nil
}

func (c *CommandNode) Name() string               { return c.name }
func (c *CommandNode) Signature() string          { return c.signature }
func (c *CommandNode) DeclareInputs() []PortSpec  { return clonePorts(c.spec.Inputs) }
func (c *CommandNode) DeclareOutputs() []PortSpec { return clonePorts(c.spec.Outputs) }

// Spec returns a copy of the command description.
func (c *CommandNode) Spec() CommandSpec {
	return c.spec
}

// invocation is a fully rendered command line.
type invocation struct {
	program string
	args    []string
	env     []string
	vals    map[string]any
}

func (c *CommandNode) render(call Call) (*invocation, error) {
	vals, err := resolveDerived(c.spec.Derived, call.Inputs)
	if err != nil {
		return nil, fmt.Errorf("command node %s: %w", c.name, err)
	}

	inv := &invocation{program: c.spec.Program, vals: vals}
	for _, a := range c.spec.Args {
		expanded, err := expandArg(a, vals)
		if err != nil {
			return nil, fmt.Errorf("command node %s: %w", c.name, err)
		}
		inv.args = append(inv.args, expanded...)
	}
	for _, k := range sortedKeys(c.spec.Env) {
		v, err := expandTemplate(c.spec.Env[k], vals)
		if err != nil {
			return nil, fmt.Errorf("command node %s: %w", c.name, err)
		}
		inv.env = append(inv.env, k+"="+v)
	}
	return inv, nil
}

// Run executes the program with call.WorkDir as its working directory.
// The program gets its own process group, which is killed when ctx is done.
// Standard output and error are kept in StdoutFile and StderrFile.
func (c *CommandNode) Run(ctx context.Context, call Call) (Values, error) {
	inv, err := c.render(call)
	if err != nil {
		return nil, err
	}

	stdout, err := os.Create(filepath.Join(call.WorkDir, StdoutFile))
	if err != nil {
		return nil, NewFailure(ReasonInfrastructure, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(call.WorkDir, StderrFile))
	if err != nil {
		return nil, NewFailure(ReasonInfrastructure, err)
	}
	defer stderr.Close()

	var tail tailBuffer
	cmd := exec.CommandContext(ctx, inv.program, inv.args...)
	cmd.Dir = call.WorkDir
	cmd.Env = append(os.Environ(), inv.env...)
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, &tail)
	cmd.WaitDelay = commandWaitDelay
	setProcessGroup(cmd)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := fmt.Sprintf("%s exited with code %d", inv.program, exitErr.ExitCode())
			if t := strings.TrimSpace(tail.String()); t != "" {
				msg += ": " + t
			}
			return nil, &Failure{Reason: ReasonExecution, Message: msg, Cause: err}
		}
		// The program could not be started at all.
		return nil, &Failure{Reason: ReasonExecution, Message: err.Error(), Cause: err}
	}

	return c.collect(call, inv.vals)
}

// Script renders the command as a shell script for a batch scheduler. The
// script changes into the work directory and redirects output the same
// way Run does.
func (c *CommandNode) Script(call Call) (string, error) {
	inv, err := c.render(call)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# node %s\n", c.name)
	fmt.Fprintf(&b, "cd %s || exit 1\n", ShellQuote(call.WorkDir))
	for _, kv := range inv.env {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=%s\n", k, ShellQuote(v))
	}
	b.WriteString(ShellQuote(inv.program))
	for _, a := range inv.args {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(a))
	}
	fmt.Fprintf(&b, " >%s 2>%s\n", StdoutFile, StderrFile)
	return b.String(), nil
}

// Collect gathers outputs from a finished work directory.
func (c *CommandNode) Collect(call Call) (Values, error) {
	vals, err := resolveDerived(c.spec.Derived, call.Inputs)
	if err != nil {
		return nil, fmt.Errorf("command node %s: %w", c.name, err)
	}
	return c.collect(call, vals)
}

func (c *CommandNode) collect(call Call, vals map[string]any) (Values, error) {
	out := make(Values, len(c.spec.Outputs))

	for _, name := range sortedKeys(c.spec.OutputFiles) {
		rel, err := expandTemplate(c.spec.OutputFiles[name], vals)
		if err != nil {
			return nil, fmt.Errorf("command node %s: %w", c.name, err)
		}
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(call.WorkDir, rel)
		}
		if _, err := os.Stat(path); err != nil {
			port, _ := findPort(c.spec.Outputs, name)
			if port.Optional && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, &Failure{
				Reason:  ReasonExecution,
				Message: fmt.Sprintf("expected output %s at %s: %v", name, path, err),
				Cause:   err,
			}
		}
		out[name] = path
	}

	if c.spec.StdoutTo != "" {
		data, err := os.ReadFile(filepath.Join(call.WorkDir, StdoutFile))
		if err != nil {
			return nil, NewFailure(ReasonInfrastructure, err)
		}
		out[c.spec.StdoutTo] = strings.TrimSpace(string(data))
	}
	return out, nil
}

// ShellQuote quotes s for POSIX sh. Words made only of safe characters are
// returned unchanged.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tailBuffer keeps the last tailSize bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailSize = 2048

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if extra := t.buf.Len() - tailSize; extra > 0 {
		t.buf.Next(extra)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
