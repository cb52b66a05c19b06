package graph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph/cache"
	"github.com/dshills/pipeflow/graph/emit"
)

// Executor runs graphs.
//
// Each call to Run drives one graph to completion from a single control
// loop: it promotes nodes whose producers have finished, fingerprints them,
// serves cache hits without touching the backend, submits misses (at most
// MaxConcurrent at a time), polls in-flight work, stores results, and
// propagates outputs and failures downstream. All concurrency lives in the
// Backend; the loop itself holds no locks.
//
// An Executor may run several graphs concurrently; runs share only the
// backend and the cache store.
type Executor struct {
	backend Backend
	store   cache.Store
	cfg     executorConfig
}

// NewExecutor returns an Executor that executes nodes on backend and
// caches their results in store.
func NewExecutor(backend Backend, store cache.Store, opts ...Option) (*Executor, error) {
	if backend == nil {
		return nil, &ExecutorError{Message: "backend cannot be nil", Code: "INVALID_CONFIG"}
	}
	if store == nil {
		return nil, &ExecutorError{Message: "cache store cannot be nil", Code: "INVALID_CONFIG"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, &ExecutorError{Message: err.Error(), Code: "INVALID_CONFIG"}
		}
	}
	if cfg.hasher == nil {
		cfg.hasher = cache.NewHasher(0)
	}

	workDir, err := filepath.Abs(cfg.workDir)
	if err != nil {
		return nil, &ExecutorError{Message: "failed to resolve work dir: " + err.Error(), Code: "INVALID_CONFIG"}
	}
	cfg.workDir = workDir

	return &Executor{backend: backend, store: store, cfg: cfg}, nil
}

// nodeRun is the per-run bookkeeping for one node.
type nodeRun struct {
	name        string
	state       NodeState
	depth       int
	fingerprint string
	workDir     string
	handle      Handle
	submittedAt time.Time
	duration    time.Duration
	outputs     map[string]any
	failure     *Failure
}

// plan is the state of one run. It is owned by the goroutine calling Run.
type plan struct {
	runID   string
	g       *Graph
	runs    map[string]*nodeRun
	ready   readyQueue
	running map[string]*nodeRun
	opts    runConfig
	logger  *zap.Logger
}

// Run executes g and returns a report that lists the final state of every
// node. g itself is not modified.
//
// The returned error is non-nil when the run was aborted: the graph failed
// validation (the backend is never called), a required input could not be
// resolved, or ctx was cancelled. Node failures are not errors; they are
// recorded in the report, whose Status is then partial or failed.
func (e *Executor) Run(ctx context.Context, runID string, g *Graph, opts ...RunOption) (*Report, error) {
	if g == nil {
		return nil, &ExecutorError{Message: "graph cannot be nil", Code: "INVALID_GRAPH"}
	}

	startedAt := time.Now()
	logger := e.cfg.logger.With(zap.String("run_id", runID))

	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}

	p, err := e.newPlan(runID, g, rc, logger)
	if err != nil {
		logger.Error("graph rejected", zap.Error(err))
		report := abortedReport(runID, g, startedAt, err)
		e.finish(ctx, report)
		return report, err
	}

	logger.Info("run started", zap.Int("nodes", len(p.runs)))
	e.emit(p, nil, emit.MsgRunStarted, map[string]interface{}{"nodes": len(p.runs)})

	runErr := e.loop(ctx, p)
	report := p.report(startedAt, runErr)
	e.finish(ctx, report)
	return report, runErr
}

// newPlan clones g, expands static map nodes, and validates the result.
func (e *Executor) newPlan(runID string, g *Graph, rc runConfig, logger *zap.Logger) (*plan, error) {
	pg := g.Clone()
	if err := pg.Expand(); err != nil {
		return nil, err
	}
	if err := pg.Validate(); err != nil {
		return nil, err
	}

	p := &plan{
		runID:   runID,
		g:       pg,
		runs:    make(map[string]*nodeRun, pg.Len()),
		running: make(map[string]*nodeRun),
		opts:    rc,
		logger:  logger,
	}
	for _, name := range pg.Nodes() {
		p.runs[name] = &nodeRun{name: name, state: StatePending}
	}
	p.computeDepths()
	return p, nil
}

func (e *Executor) loop(ctx context.Context, p *plan) error {
	for {
		if err := ctx.Err(); err != nil {
			return e.shutdown(p, ReasonCancelled, fmt.Errorf("run %s cancelled: %w", p.runID, err))
		}

		promoted, err := e.promote(p)
		if err != nil {
			return e.shutdown(p, ReasonAborted, err)
		}

		dispatched, err := e.dispatch(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return e.shutdown(p, ReasonCancelled, fmt.Errorf("run %s cancelled: %w", p.runID, ctx.Err()))
			}
			return e.shutdown(p, ReasonAborted, err)
		}

		polled := e.pollRunning(ctx, p)
		e.updateGauges(p)

		if p.done() {
			return nil
		}

		progress := promoted || dispatched || polled
		if !progress && len(p.running) == 0 && p.ready.len() == 0 {
			return e.shutdown(p, ReasonAborted, &ExecutorError{
				Message: "no runnable nodes remain but the run is not finished",
				Code:    "NO_PROGRESS",
			})
		}
		if !progress {
			e.sleep(ctx)
		}
	}
}

// promote moves pending nodes whose producers all completed to ready. A
// promoted map node is expanded instead; its sub-nodes are promoted on the
// next pass.
func (e *Executor) promote(p *plan) (bool, error) {
	progress := false
	for changed := true; changed; {
		changed = false
		for _, r := range p.byDepth(StatePending) {
			if !p.producersDone(r.name) {
				continue
			}

			if m, ok := asMapNode(p.g.nodes[r.name]); ok {
				changed, progress = true, true
				if err := e.expand(p, r, m); err != nil {
					if errors.Is(err, ErrUnresolvedInput) {
						return progress, err
					}
					e.fail(p, r, NewFailure(ReasonExecution, err))
				}
				break
			}

			if err := r.transition(StateReady); err != nil {
				return progress, err
			}
			p.ready.push(r.name, r.depth)
			e.emit(p, r, emit.MsgNodeReady, nil)
			progress = true
		}
	}
	return progress, nil
}

func (e *Executor) expand(p *plan, r *nodeRun, m *MapNode) error {
	inputs, err := p.resolve(r.name)
	if err != nil {
		return err
	}
	if err := p.g.expandMap(r.name, m, inputs); err != nil {
		return err
	}

	added := 0
	for _, name := range p.g.Nodes() {
		if _, ok := p.runs[name]; !ok {
			p.runs[name] = &nodeRun{name: name, state: StatePending}
			added++
		}
	}
	p.computeDepths()

	p.logger.Debug("map node expanded", zap.String("node", r.name), zap.Int("sub_nodes", added))
	e.emit(p, r, emit.MsgMapExpanded, map[string]interface{}{"sub_nodes": added})
	return nil
}

// dispatch serves ready nodes from the cache or submits them to the backend
// until the queue is empty or MaxConcurrent nodes are in flight.
func (e *Executor) dispatch(ctx context.Context, p *plan) (bool, error) {
	progress := false
	for p.ready.len() > 0 && len(p.running) < e.cfg.maxConcurrent {
		name, _ := p.ready.pop()
		r := p.runs[name]
		progress = true

		inputs, err := p.resolve(name)
		if err != nil {
			return progress, err
		}

		fp, err := e.cfg.hasher.Fingerprint(ctx, cache.Subject{
			Signature: p.g.nodes[name].Signature(),
			Inputs:    inputs,
			Files:     fileModes(p.g.inputs[name]),
		})
		if err != nil {
			if ctx.Err() != nil {
				return progress, ctx.Err()
			}
			e.fail(p, r, NewFailure(ReasonInfrastructure, fmt.Errorf("failed to fingerprint inputs: %w", err)))
			continue
		}
		r.fingerprint = fp

		if p.shouldRerun(name) {
			if err := e.store.Invalidate(ctx, fp); err != nil {
				e.fail(p, r, NewFailure(ReasonInfrastructure, fmt.Errorf("failed to invalidate cache entry: %w", err)))
				continue
			}
		}

		entry, hit, err := e.store.Lookup(ctx, fp)
		if err != nil {
			p.logger.Warn("cache lookup failed, executing node",
				zap.String("node", name), zap.String("fingerprint", fp), zap.Error(err))
			hit = false
		}
		if hit {
			// An entry stored while an optional output had no consumer cannot
			// feed a graph that now requires it. Executing the node again
			// reports the missing output the same way a cold cache would.
			if _, err := p.checkOutputs(name, entry.Outputs); err != nil {
				p.logger.Debug("cache entry unusable, executing node",
					zap.String("node", name), zap.String("fingerprint", fp), zap.Error(err))
				hit = false
			}
		}
		e.cfg.metrics.RecordCacheLookup(hit)

		if hit {
			if err := r.transition(StateCached); err != nil {
				return progress, err
			}
			r.outputs = entry.Outputs
			r.workDir = entry.WorkDir
			p.logger.Debug("cache hit", zap.String("node", name), zap.String("fingerprint", fp))
			e.emit(p, r, emit.MsgNodeCached, map[string]interface{}{"fingerprint": fp})
			continue
		}

		if err := e.submit(ctx, p, r, inputs); err != nil {
			e.fail(p, r, NewFailure(ReasonInfrastructure, err))
		}
	}
	return progress, nil
}

func (e *Executor) submit(ctx context.Context, p *plan, r *nodeRun, inputs Values) error {
	// Runs sharing a work root may execute the same fingerprint at once, so
	// every submission gets its own directory.
	parent := filepath.Join(e.cfg.workDir, r.name, r.fingerprint[:16])
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(parent, workDirPattern(p.runID))
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	r.workDir = dir

	h, err := e.backend.Submit(ctx, Task{
		RunID:       p.runID,
		Name:        r.name,
		Node:        p.g.nodes[r.name],
		Inputs:      inputs,
		WorkDir:     r.workDir,
		Fingerprint: r.fingerprint,
		Timeout:     e.cfg.defaultNodeTimeout,
	})
	if err != nil {
		return fmt.Errorf("backend rejected submission: %w", err)
	}

	if err := r.transition(StateRunning); err != nil {
		return err
	}
	r.handle = h
	r.submittedAt = time.Now()
	p.running[r.name] = r

	p.logger.Debug("node submitted",
		zap.String("node", r.name), zap.String("handle", string(h)), zap.String("work_dir", r.workDir))
	e.emit(p, r, emit.MsgNodeSubmitted, map[string]interface{}{
		"fingerprint": r.fingerprint,
		"work_dir":    r.workDir,
		"handle":      string(h),
	})
	return nil
}

// workDirPattern turns a run ID into an os.MkdirTemp pattern.
func workDirPattern(runID string) string {
	safe := strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' || c == '*' {
			return '_'
		}
		return c
	}, runID)
	if safe == "" {
		safe = "run"
	}
	return safe + "-"
}

// pollRunning checks every in-flight node once, in name order.
func (e *Executor) pollRunning(ctx context.Context, p *plan) bool {
	names := make([]string, 0, len(p.running))
	for name := range p.running {
		names = append(names, name)
	}
	sort.Strings(names)

	progress := false
	for _, name := range names {
		r := p.running[name]
		st, err := e.backend.Poll(ctx, r.handle)
		if err != nil {
			if ctx.Err() != nil {
				// The run is being cancelled; shutdown polls again.
				return progress
			}
			st = Failed(NewFailure(ReasonInfrastructure, fmt.Errorf("poll failed: %w", err)))
			if cerr := e.backend.Cancel(context.WithoutCancel(ctx), r.handle); cerr != nil {
				p.logger.Warn("failed to cancel unpollable node", zap.String("node", name), zap.Error(cerr))
			}
		}
		if st.State == JobRunning {
			continue
		}

		delete(p.running, name)
		r.duration = time.Since(r.submittedAt)
		progress = true

		if st.State == JobSucceeded {
			e.complete(ctx, p, r, st.Outputs)
			continue
		}
		f := st.Failure
		if f == nil {
			f = &Failure{Reason: ReasonExecution, Message: "backend reported failure without details"}
		}
		e.fail(p, r, f)
	}
	return progress
}

// complete checks and stores the outputs of a finished node.
func (e *Executor) complete(ctx context.Context, p *plan, r *nodeRun, outputs Values) {
	checked, err := p.checkOutputs(r.name, outputs)
	if err != nil {
		e.fail(p, r, NewFailure(ReasonExecution, err))
		return
	}

	// Results of finished work are stored even while the run is being
	// cancelled.
	entry, err := e.store.Store(context.WithoutCancel(ctx), r.fingerprint, checked, r.workDir)
	if err != nil {
		var inconsistency *cache.CacheInconsistencyError
		if errors.As(err, &inconsistency) {
			e.fail(p, r, NewFailure(ReasonCacheInconsistency, err))
			return
		}
		e.fail(p, r, NewFailure(ReasonInfrastructure, fmt.Errorf("failed to store result: %w", err)))
		return
	}

	if err := r.transition(StateSucceeded); err != nil {
		p.logger.Error("dropping result", zap.String("node", r.name), zap.Error(err))
		return
	}
	r.outputs = entry.Outputs
	if entry.WorkDir != "" {
		r.workDir = entry.WorkDir
	}

	e.cfg.metrics.RecordNodeLatency(r.name, r.duration, StateSucceeded)
	p.logger.Debug("node succeeded", zap.String("node", r.name), zap.Duration("duration", r.duration))
	e.emit(p, r, emit.MsgNodeSucceeded, map[string]interface{}{
		"fingerprint": r.fingerprint,
		"duration_ms": r.duration.Milliseconds(),
	})
}

// fail marks r failed and every transitive dependent failed with
// ReasonUpstream. Dependents never run: they cannot have been promoted while
// r was incomplete.
func (e *Executor) fail(p *plan, r *nodeRun, f *Failure) {
	if err := r.transition(StateFailed); err != nil {
		p.logger.Error("cannot fail node", zap.String("node", r.name), zap.Error(err))
		return
	}
	r.failure = f
	e.recordFailure(p, r)

	queue := p.g.Downstream(r.name)
	seen := make(map[string]struct{})
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		d := p.runs[name]
		if d.state.Terminal() {
			continue
		}
		if d.state == StateRunning {
			p.logger.Error("dependent is running while its producer failed", zap.String("node", name))
			continue
		}
		_ = d.transition(StateFailed)
		d.failure = &Failure{Reason: ReasonUpstream, Message: "upstream node " + r.name + " failed"}
		e.recordFailure(p, d)
		queue = append(queue, p.g.Downstream(name)...)
	}
}

func (e *Executor) recordFailure(p *plan, r *nodeRun) {
	e.cfg.metrics.IncrementFailures(r.failure.Reason)
	if r.failure.Reason != ReasonUpstream && !r.submittedAt.IsZero() {
		e.cfg.metrics.RecordNodeLatency(r.name, r.duration, StateFailed)
	}

	p.logger.Warn("node failed",
		zap.String("node", r.name),
		zap.String("reason", string(r.failure.Reason)),
		zap.String("error", r.failure.Message))
	e.emit(p, r, emit.MsgNodeFailed, map[string]interface{}{
		"reason":      string(r.failure.Reason),
		"error":       r.failure.Message,
		"duration_ms": r.duration.Milliseconds(),
	})
}

// shutdown stops the run: nodes that have not started fail with reason,
// in-flight nodes are cancelled and polled until they finish or the grace
// period ends. It returns cause.
func (e *Executor) shutdown(p *plan, reason Reason, cause error) error {
	p.logger.Warn("stopping run", zap.String("reason", string(reason)), zap.Error(cause))

	p.ready.drain()
	for _, state := range []NodeState{StateReady, StatePending} {
		for _, r := range p.byDepth(state) {
			e.stop(p, r, reason, cause)
		}
	}

	for _, r := range p.byDepth(StateRunning) {
		if err := e.backend.Cancel(context.Background(), r.handle); err != nil {
			p.logger.Warn("failed to cancel node", zap.String("node", r.name), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.cancelGrace)
	defer cancel()

	for len(p.running) > 0 && ctx.Err() == nil {
		if !e.pollRunning(ctx, p) {
			e.sleep(ctx)
		}
	}

	for _, r := range p.byDepth(StateRunning) {
		delete(p.running, r.name)
		r.duration = time.Since(r.submittedAt)
		e.fail(p, r, &Failure{Reason: ReasonCancelled, Message: "node did not stop within the cancel grace period"})
	}
	e.updateGauges(p)
	return cause
}

func (e *Executor) stop(p *plan, r *nodeRun, reason Reason, cause error) {
	if r.state.Terminal() {
		return
	}
	_ = r.transition(StateFailed)
	r.failure = NewFailure(reason, cause)
	e.recordFailure(p, r)
}

func (e *Executor) finish(ctx context.Context, report *Report) {
	e.cfg.metrics.IncrementRuns(report.Status)
	e.cfg.emitter.Emit(emit.Event{
		RunID: report.RunID,
		Msg:   emit.MsgRunFinished,
		Time:  report.FinishedAt,
		Meta: map[string]interface{}{
			"status":      string(report.Status),
			"duration_ms": report.Duration().Milliseconds(),
		},
	})
	e.cfg.logger.Info("run finished",
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)),
		zap.Duration("duration", report.Duration()))

	if e.cfg.recorder == nil {
		return
	}
	if err := e.cfg.recorder.SaveRun(context.WithoutCancel(ctx), report); err != nil {
		e.cfg.logger.Warn("failed to record run", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

func (e *Executor) emit(p *plan, r *nodeRun, msg string, meta map[string]interface{}) {
	ev := emit.Event{RunID: p.runID, Msg: msg, Time: time.Now(), Meta: meta}
	if r != nil {
		ev.NodeID = r.name
		ev.Depth = r.depth
	}
	e.cfg.emitter.Emit(ev)
}

func (e *Executor) updateGauges(p *plan) {
	e.cfg.metrics.UpdateInflightNodes(len(p.running))
	e.cfg.metrics.UpdateReadyNodes(p.ready.len())
}

func (e *Executor) sleep(ctx context.Context) {
	t := time.NewTimer(e.cfg.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// resolve returns the inputs of name: edge values from completed producers,
// then literals, then defaults. Optional inputs without any of these are
// left out.
func (p *plan) resolve(name string) (Values, error) {
	vals := make(Values, len(p.g.inputs[name]))
	for _, port := range p.g.inputs[name] {
		if edge, ok := p.g.incoming[name][port.Name]; ok {
			if v, ok := p.runs[edge.From].outputs[edge.Output]; ok {
				vals[port.Name] = v
				continue
			}
		} else if v, ok := p.g.literals[name][port.Name]; ok {
			vals[port.Name] = v
			continue
		}
		if v, ok := port.Default.Get(); ok {
			vals[port.Name] = v
			continue
		}
		if port.Required() {
			return nil, &UnresolvedInputError{Node: name, Input: port.Name}
		}
	}
	return vals, nil
}

// checkOutputs rejects undeclared outputs and missing outputs that are
// required or feed a required input, then normalizes the rest.
func (p *plan) checkOutputs(name string, outputs Values) (map[string]any, error) {
	declared := p.g.outputs[name]
	for key := range outputs {
		if _, ok := findPort(declared, key); !ok {
			return nil, fmt.Errorf("node %s produced undeclared output %q", name, key)
		}
	}

	needed := make(map[string]bool)
	for _, e := range p.g.Outgoing(name) {
		if port, ok := findPort(p.g.inputs[e.To], e.Input); ok && port.Required() {
			needed[e.Output] = true
		}
	}
	for _, port := range declared {
		if _, ok := outputs[port.Name]; ok {
			continue
		}
		if !port.Optional || needed[port.Name] {
			return nil, fmt.Errorf("node %s did not produce output %q", name, port.Name)
		}
	}

	normalized, err := cache.Normalize(outputs)
	if err != nil {
		return nil, fmt.Errorf("node %s produced outputs that cannot be stored: %w", name, err)
	}
	return normalized, nil
}

func (p *plan) producersDone(name string) bool {
	for _, up := range p.g.Upstream(name) {
		if !p.runs[up].state.Successful() {
			return false
		}
	}
	return true
}

func (p *plan) shouldRerun(name string) bool {
	if p.opts.rerunAll {
		return true
	}
	if _, ok := p.opts.rerun[name]; ok {
		return true
	}
	if i := strings.LastIndexByte(name, '['); i > 0 {
		_, ok := p.opts.rerun[name[:i]]
		return ok
	}
	return false
}

func (p *plan) computeDepths() {
	depth := 0
	for layer := range p.g.TopologicalLayers() {
		for _, name := range layer {
			p.runs[name].depth = depth
		}
		depth++
	}
}

// byDepth returns the runs in state, ordered by depth then name.
func (p *plan) byDepth(state NodeState) []*nodeRun {
	var out []*nodeRun
	for _, r := range p.runs {
		if r.state == state {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].depth != out[j].depth {
			return out[i].depth < out[j].depth
		}
		return out[i].name < out[j].name
	})
	return out
}

func (p *plan) done() bool {
	for _, r := range p.runs {
		if !r.state.Terminal() {
			return false
		}
	}
	return true
}

func (p *plan) report(startedAt time.Time, runErr error) *Report {
	nodes := make([]NodeReport, 0, len(p.runs))
	for _, name := range p.g.Nodes() {
		r := p.runs[name]
		nodes = append(nodes, NodeReport{
			Name:        name,
			State:       r.state,
			Fingerprint: r.fingerprint,
			WorkDir:     r.workDir,
			Outputs:     r.outputs,
			Failure:     r.failure,
			Duration:    r.duration,
		})
	}

	report := &Report{
		RunID:      p.runID,
		Status:     summarize(nodes, runErr),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Nodes:      nodes,
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	return report
}

// abortedReport describes a run that never started.
func abortedReport(runID string, g *Graph, startedAt time.Time, err error) *Report {
	nodes := make([]NodeReport, 0, g.Len())
	for _, name := range g.Nodes() {
		nodes = append(nodes, NodeReport{
			Name:    name,
			State:   StateFailed,
			Failure: NewFailure(ReasonAborted, err),
		})
	}
	return &Report{
		RunID:      runID,
		Status:     StatusAborted,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Error:      err.Error(),
		Nodes:      nodes,
	}
}

func fileModes(ports []PortSpec) map[string]cache.HashMode {
	var modes map[string]cache.HashMode
	for _, p := range ports {
		if p.Kind != FilePort {
			continue
		}
		if modes == nil {
			modes = make(map[string]cache.HashMode)
		}
		modes[p.Name] = p.Hash
	}
	return modes
}
