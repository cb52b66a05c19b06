// Command pipeflow runs a pipeline described by HCL files.
//
//	pipeflow [flags] file.hcl|dir ...
//
// Runner settings come from PIPEFLOW_* environment variables (see
// internal/config). The exit code is 0 when every node succeeded or was
// cached, 1 on setup errors, and 2 when the run finished with failures.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/pipeline"
	"github.com/dshills/pipeflow/internal/config"
)

// exitError carries a process exit code out of run.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.msg)
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	runID    string
	vars     map[string]string
	rerun    []string
	rerunAll bool
	jsonOut  bool
	history  int
	paths    []string
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	opts := &options{vars: map[string]string{}}
	fs := flag.NewFlagSet("pipeflow", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: pipeflow [flags] file.hcl|dir ...")
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.runID, "run-id", "", "run identifier (default: a random UUID)")
	fs.Func("var", "set a pipeline variable, name=value (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return fmt.Errorf("expected name=value, got %q", s)
		}
		opts.vars[name] = value
		return nil
	})
	fs.Func("rerun", "comma separated nodes to run even when cached", func(s string) error {
		for _, name := range strings.Split(s, ",") {
			if name = strings.TrimSpace(name); name != "" {
				opts.rerun = append(opts.rerun, name)
			}
		}
		return nil
	})
	fs.BoolVar(&opts.rerunAll, "rerun-all", false, "ignore the cache for every node")
	fs.BoolVar(&opts.jsonOut, "json", false, "print the run report as JSON")
	fs.IntVar(&opts.history, "history", 0, "list the N most recent runs and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.paths = fs.Args()
	if opts.history == 0 && len(opts.paths) == 0 {
		fs.Usage()
		return nil, &exitError{code: 1, msg: "no pipeline files given"}
	}
	return opts, nil
}

func run(ctx context.Context, out io.Writer, args []string) error {
	opts, err := parseFlags(args, out)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if opts.history > 0 {
		return listHistory(ctx, out, cfg, opts.history)
	}

	g, err := pipeline.Load(opts.paths,
		pipeline.WithVariables(opts.vars),
		pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	var runOpts []graph.RunOption
	if opts.rerunAll {
		runOpts = append(runOpts, graph.RerunAll())
	} else if len(opts.rerun) > 0 {
		runOpts = append(runOpts, graph.Rerun(opts.rerun...))
	}

	logger.Info("starting run",
		zap.String("run_id", runID),
		zap.Int("nodes", g.Len()),
		zap.String("backend", cfg.Backend.Kind))

	report, err := rt.executor.Run(ctx, runID, g, runOpts...)
	if err != nil && report == nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if report.Status != graph.StatusSuccess {
		return &exitError{code: 2, msg: fmt.Sprintf("run %s finished with status %s", runID, report.Status)}
	}
	return nil
}

func printReport(out io.Writer, report *graph.Report) {
	fmt.Fprintf(out, "run %s: %s in %s\n", report.RunID, report.Status, report.Duration().Round(1e6))
	if report.Error != "" {
		fmt.Fprintf(out, "error: %s\n", report.Error)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATE\tDURATION\tDETAIL")
	for _, n := range report.Nodes {
		detail := n.WorkDir
		if n.Failure != nil {
			detail = n.Failure.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Name, n.State, n.Duration.Round(1e6), detail)
	}
	tw.Flush()

	counts := report.Counts()
	states := make([]string, 0, len(counts))
	for state, n := range counts {
		states = append(states, fmt.Sprintf("%s=%d", state, n))
	}
	sort.Strings(states)
	fmt.Fprintln(out, strings.Join(states, " "))
}

func listHistory(ctx context.Context, out io.Writer, cfg *config.Config, limit int) error {
	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if history == nil {
		return &exitError{code: 1, msg: "run history is disabled (PIPEFLOW_HISTORY_DRIVER=none)"}
	}
	defer history.Close()

	runs, err := history.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tNODES\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			r.RunID, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Nodes, r.Failed)
	}
	return tw.Flush()
}
