package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
)

// Files Batch writes into each task's work directory.
const (
	JobScript      = "job.sh"
	NodeScript     = "node.sh"
	ExitCodeFile   = ".exitcode"
	exitCodeStaged = ".exitcode.tmp"
)

// Batch submits command nodes to a cluster scheduler.
//
// For each task it writes the node's script to NodeScript and a wrapper to
// JobScript. The wrapper runs the node script and then records its exit code
// in ExitCodeFile, renaming it into place so that a reader never sees a
// partial file. Poll trusts that file first and asks the scheduler second.
//
// Nodes that cannot be expressed as a script (anything that does not
// implement graph.Scripter) run on a local Pool instead.
type Batch struct {
	scheduler   Scheduler
	logger      *zap.Logger
	statusGrace time.Duration
	local       *Pool
	now         func() time.Time

	mu   sync.Mutex
	jobs map[graph.Handle]*batchJob
}

type batchJob struct {
	task      graph.Task
	scripter  graph.Scripter
	jobID     string
	submitted time.Time
	// goneSince is when the scheduler first reported the job done while
	// the status file was still missing.
	goneSince time.Time
	cancelled bool
}

var _ graph.Backend = (*Batch)(nil)

// NewBatch returns a backend that submits through scheduler.
func NewBatch(scheduler Scheduler, opts ...Option) *Batch {
	cfg := newConfig(opts)
	return &Batch{
		scheduler:   scheduler,
		logger:      cfg.logger,
		statusGrace: cfg.statusGrace,
		local:       NewPool(opts...),
		now:         time.Now,
		jobs:        make(map[graph.Handle]*batchJob),
	}
}

// Submit writes the job scripts and hands them to the scheduler.
func (b *Batch) Submit(ctx context.Context, task graph.Task) (graph.Handle, error) {
	sc, ok := graph.Underlying(task.Node).(graph.Scripter)
	if !ok {
		return b.local.Submit(ctx, task)
	}

	body, err := sc.Script(task.Call())
	if err != nil {
		return "", err
	}
	jobPath, err := writeJobScripts(task.WorkDir, body)
	if err != nil {
		return "", fmt.Errorf("failed to write job script for %s: %w", task.Name, err)
	}

	jobID, err := b.scheduler.Submit(ctx, jobPath, JobSpec{
		Name:    jobName(task),
		WorkDir: task.WorkDir,
		Timeout: task.Timeout,
	})
	if err != nil {
		return "", err
	}

	h := newHandle()
	b.mu.Lock()
	b.jobs[h] = &batchJob{task: task, scripter: sc, jobID: jobID, submitted: b.now()}
	b.mu.Unlock()

	b.logger.Info("job submitted",
		zap.String("node", task.Name),
		zap.String("job_id", jobID),
		zap.String("script", jobPath))
	return h, nil
}

// Poll checks the status file, then the task's deadline, then the
// scheduler.
func (b *Batch) Poll(ctx context.Context, h graph.Handle) (graph.Status, error) {
	b.mu.Lock()
	job, ok := b.jobs[h]
	b.mu.Unlock()
	if !ok {
		return b.local.Poll(ctx, h)
	}

	status, err := b.poll(ctx, job)
	if err != nil {
		return graph.Status{}, err
	}
	if status.State != graph.JobRunning {
		b.mu.Lock()
		delete(b.jobs, h)
		b.mu.Unlock()
	}
	return status, nil
}

func (b *Batch) poll(ctx context.Context, job *batchJob) (graph.Status, error) {
	code, found, err := readExitCode(job.task.WorkDir)
	if err != nil {
		return graph.Status{}, err
	}
	if found {
		return b.finished(job, code), nil
	}

	b.mu.Lock()
	cancelled := job.cancelled
	b.mu.Unlock()
	if cancelled {
		return cancelledStatus(job.task.Name), nil
	}

	if job.task.Timeout > 0 && b.now().Sub(job.submitted) > job.task.Timeout {
		if err := b.scheduler.Cancel(ctx, job.jobID); err != nil {
			b.logger.Warn("failed to cancel timed out job",
				zap.String("node", job.task.Name),
				zap.String("job_id", job.jobID),
				zap.Error(err))
		}
		return graph.Failed(&graph.Failure{
			Reason:  graph.ReasonTimeout,
			Message: fmt.Sprintf("node %s exceeded timeout of %v", job.task.Name, job.task.Timeout),
		}), nil
	}

	phase, err := b.scheduler.State(ctx, job.jobID)
	if err != nil {
		return graph.Status{}, fmt.Errorf("failed to query job %s: %w", job.jobID, err)
	}
	if phase != PhaseDone {
		job.goneSince = time.Time{}
		return graph.Running(), nil
	}

	// The scheduler is done with the job; give the file system time to
	// show the status file before giving up on it.
	if job.goneSince.IsZero() {
		job.goneSince = b.now()
	}
	if b.now().Sub(job.goneSince) < b.statusGrace {
		return graph.Running(), nil
	}
	return graph.Failed(&graph.Failure{
		Reason:  graph.ReasonInfrastructure,
		Message: fmt.Sprintf("job %s for node %s ended without writing %s", job.jobID, job.task.Name, ExitCodeFile),
	}), nil
}

func (b *Batch) finished(job *batchJob, code int) graph.Status {
	if code != 0 {
		msg := fmt.Sprintf("job %s exited with code %d", job.jobID, code)
		if tail := stderrTail(job.task.WorkDir); tail != "" {
			msg += ": " + tail
		}
		return graph.Failed(&graph.Failure{Reason: graph.ReasonExecution, Message: msg})
	}
	outputs, err := job.scripter.Collect(job.task.Call())
	if err != nil {
		return graph.Failed(graph.ClassifyError(err))
	}
	if outputs == nil {
		outputs = graph.Values{}
	}
	return graph.Succeeded(outputs)
}

// Cancel asks the scheduler to kill the job. The next Poll reports the task
// as cancelled unless the job already wrote its exit code.
func (b *Batch) Cancel(ctx context.Context, h graph.Handle) error {
	b.mu.Lock()
	job, ok := b.jobs[h]
	if ok {
		job.cancelled = true
	}
	b.mu.Unlock()
	if !ok {
		return b.local.Cancel(ctx, h)
	}
	return b.scheduler.Cancel(ctx, job.jobID)
}

// Close stops the local pool. Jobs already handed to the scheduler are left
// alone.
func (b *Batch) Close() error {
	return b.local.Close()
}

func writeJobScripts(workDir, body string) (string, error) {
	nodePath := filepath.Join(workDir, NodeScript)
	if err := os.WriteFile(nodePath, []byte(body), 0o755); err != nil {
		return "", err
	}
	if err := os.Remove(filepath.Join(workDir, ExitCodeFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	staged := graph.ShellQuote(filepath.Join(workDir, exitCodeStaged))
	final := graph.ShellQuote(filepath.Join(workDir, ExitCodeFile))
	var s strings.Builder
	s.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&s, "/bin/sh %s\n", graph.ShellQuote(nodePath))
	s.WriteString("code=$?\n")
	fmt.Fprintf(&s, "printf '%%d\\n' \"$code\" > %s\n", staged)
	fmt.Fprintf(&s, "mv %s %s\n", staged, final)
	s.WriteString("exit \"$code\"\n")

	jobPath := filepath.Join(workDir, JobScript)
	if err := os.WriteFile(jobPath, []byte(s.String()), 0o755); err != nil {
		return "", err
	}
	return jobPath, nil
}

func readExitCode(workDir string) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(workDir, ExitCodeFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read exit code: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("malformed exit code %q: %w", strings.TrimSpace(string(data)), err)
	}
	return code, true, nil
}

func stderrTail(workDir string) string {
	data, err := os.ReadFile(filepath.Join(workDir, graph.StderrFile))
	if err != nil {
		return ""
	}
	const limit = 2048
	if len(data) > limit {
		data = data[len(data)-limit:]
	}
	return strings.TrimSpace(string(data))
}

// jobName is a scheduler-safe name for task.
func jobName(task graph.Task) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, task.Name)
	return "pipeflow-" + name
}
