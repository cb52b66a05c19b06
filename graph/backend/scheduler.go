package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// JobSpec carries what a scheduler may want to know about a job besides its
// script.
type JobSpec struct {
	Name    string
	WorkDir string
	// Timeout is the wall-clock limit requested from the scheduler; zero
	// means none. Batch enforces it as well.
	Timeout time.Duration
}

// JobPhase is the scheduler's view of a job.
type JobPhase int

const (
	// PhaseQueued: accepted but not started.
	PhaseQueued JobPhase = iota
	// PhaseRunning: executing.
	PhaseRunning
	// PhaseDone: the scheduler no longer tracks the job. The job's status
	// file says how it ended.
	PhaseDone
)

func (p JobPhase) String() string {
	switch p {
	case PhaseQueued:
		return "queued"
	case PhaseRunning:
		return "running"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Scheduler submits scripts to a batch system.
type Scheduler interface {
	// Submit queues the script at path and returns the scheduler's job id.
	Submit(ctx context.Context, script string, spec JobSpec) (string, error)
	State(ctx context.Context, jobID string) (JobPhase, error)
	Cancel(ctx context.Context, jobID string) error
}

// CommandScheduler drives a batch system through its command-line tools.
// Each command is an argv template; "{script}", "{name}", "{workdir}",
// "{timeout}" (whole minutes, at least 1) and "{id}" are substituted.
//
// Example for Slurm:
//
//	s := &backend.CommandScheduler{
//	    SubmitCmd: []string{"sbatch", "--parsable", "--job-name={name}", "--chdir={workdir}", "{script}"},
//	    StatusCmd: []string{"squeue", "--noheader", "--format=%T", "--jobs={id}"},
//	    CancelCmd: []string{"scancel", "{id}"},
//	}
type CommandScheduler struct {
	SubmitCmd []string
	StatusCmd []string
	CancelCmd []string

	// JobID extracts the job id from the submit command's output: the first
	// submatch if the expression has a group, the whole match otherwise.
	// Defaults to the first run of digits.
	JobID *regexp.Regexp

	// Phase maps the status command's output to a phase. The default treats
	// empty output or a failing status command as done, output containing
	// "PEND" or "Q" alone as queued, and anything else as running.
	Phase func(output string, err error) JobPhase
}

var _ Scheduler = (*CommandScheduler)(nil)

var defaultJobID = regexp.MustCompile(`\d+`)

// Submit runs SubmitCmd and parses the job id from its output.
func (s *CommandScheduler) Submit(ctx context.Context, script string, spec JobSpec) (string, error) {
	minutes := int(spec.Timeout.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	out, err := s.run(ctx, s.SubmitCmd, map[string]string{
		"script":  script,
		"name":    spec.Name,
		"workdir": spec.WorkDir,
		"timeout": strconv.Itoa(minutes),
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit %s: %w", spec.Name, err)
	}

	re := s.JobID
	if re == nil {
		re = defaultJobID
	}
	m := re.FindStringSubmatch(out)
	switch {
	case m == nil:
		return "", fmt.Errorf("failed to submit %s: no job id in %q", spec.Name, strings.TrimSpace(out))
	case len(m) > 1:
		return m[1], nil
	default:
		return m[0], nil
	}
}

// State runs StatusCmd.
func (s *CommandScheduler) State(ctx context.Context, jobID string) (JobPhase, error) {
	out, err := s.run(ctx, s.StatusCmd, map[string]string{"id": jobID})
	if ctx.Err() != nil {
		return PhaseRunning, ctx.Err()
	}
	phase := s.Phase
	if phase == nil {
		phase = defaultPhase
	}
	return phase(out, err), nil
}

// Cancel runs CancelCmd.
func (s *CommandScheduler) Cancel(ctx context.Context, jobID string) error {
	if _, err := s.run(ctx, s.CancelCmd, map[string]string{"id": jobID}); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	return nil
}

func (s *CommandScheduler) run(ctx context.Context, argv []string, vars map[string]string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("command not configured")
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = r.Replace(a)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return stdout.String(), fmt.Errorf("%s: %w", args[0], err)
	}
	return stdout.String(), nil
}

func defaultPhase(output string, err error) JobPhase {
	out := strings.TrimSpace(output)
	switch {
	case err != nil, out == "":
		return PhaseDone
	case strings.Contains(strings.ToUpper(out), "PEND"), out == "Q":
		return PhaseQueued
	default:
		return PhaseRunning
	}
}

// LocalScheduler runs job scripts with /bin/sh on the local machine. It
// stands in for a cluster in tests and on workstations.
type LocalScheduler struct {
	// Shell defaults to /bin/sh.
	Shell string

	mu   sync.Mutex
	next int
	jobs map[string]*localJob
}

type localJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Scheduler = (*LocalScheduler)(nil)

// Submit starts the script in the background. The process is not tied to
// ctx; use Cancel to stop it.
func (s *LocalScheduler) Submit(_ context.Context, script string, spec JobSpec) (string, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(jobCtx, shell, script)
	cmd.Dir = spec.WorkDir
	cmd.WaitDelay = time.Second
	detach(cmd)
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	job := &localJob{cancel: cancel, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		cancel()
		close(job.done)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = make(map[string]*localJob)
	}
	s.next++
	id := "local-" + strconv.Itoa(s.next)
	s.jobs[id] = job
	return id, nil
}

// State reports PhaseRunning until the script exits.
func (s *LocalScheduler) State(_ context.Context, jobID string) (JobPhase, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return PhaseDone, nil
	}
	select {
	case <-job.done:
		return PhaseDone, nil
	default:
		return PhaseRunning, nil
	}
}

// Cancel kills the script.
func (s *LocalScheduler) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	job.cancel()
	return nil
}
