package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"framerelay/internal/config"
	"framerelay/internal/logging"
	"framerelay/internal/metrics"
	"framerelay/internal/orchestrator"
	"framerelay/internal/remote"
	"framerelay/internal/workflowdef"
)

type replicateOptions struct {
	inputs       []string
	output       string
	workflow     string
	frameRate    float64
	qualityLevel string
	maxFrames    int
	pollInterval float64
	params       []string
}

func newReplicateCommand(ctx *commandContext) *cobra.Command {
	var opts replicateOptions

	cmd := &cobra.Command{
		Use:   "replicate --input <video> [--input <video>...]",
		Short: "Replicate videos through a remote workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.inputs = append(opts.inputs, args...)
			return runReplicate(cmd, ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&opts.inputs, "input", "i", nil, "Input video (repeatable)")
	flags.StringVarP(&opts.output, "output", "o", "", "Output video path (single input only)")
	flags.StringVarP(&opts.workflow, "workflow", "w", "", "Workflow id or definition file")
	flags.Float64Var(&opts.frameRate, "frame-rate", 0, "Frames per second to extract (default: source rate)")
	flags.StringVar(&opts.qualityLevel, "quality-level", "", "Quality level passed to the workflow")
	flags.IntVar(&opts.maxFrames, "max-frames", 0, "Maximum frames to extract")
	flags.Float64Var(&opts.pollInterval, "poll-interval", 0, "Base poll interval in seconds")
	flags.StringArrayVar(&opts.params, "param", nil, "Extra workflow input as key=value (repeatable)")
	return cmd
}

func runReplicate(cmd *cobra.Command, ctx *commandContext, opts replicateOptions) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.ensureLogger()
	if err != nil {
		return err
	}
	jobs, err := buildJobs(cfg, opts)
	if err != nil {
		return err
	}

	rec, reg, err := ctx.metrics()
	if err != nil {
		return err
	}
	rc, err := ctx.newClient(rec)
	if err != nil {
		return err
	}
	store, err := ctx.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runner, err := orchestrator.NewRunner(cfg, rc,
		orchestrator.WithStore(store),
		orchestrator.WithMetrics(rec),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var (
		g         run.Group
		reports   []orchestrator.Report
		signalled bool
	)

	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		done := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-sigCh:
				signalled = true
				logger.Info("termination signal received; cancelling replication", logging.String("signal", sig.String()))
			case <-done:
			}
			return nil
		}, func(error) {
			signal.Stop(sigCh)
			close(done)
		})
	}

	if reg != nil {
		metricsCtx, metricsCancel := context.WithCancel(cmd.Context())
		bind := cfg.Metrics.Bind
		g.Add(func() error {
			serveMetrics(metricsCtx, logger, bind, reg)
			return nil
		}, func(error) {
			metricsCancel()
		})
	}

	{
		runCtx, runCancel := context.WithCancel(cmd.Context())
		g.Add(func() error {
			reports = runner.RunAll(runCtx, jobs)
			return nil
		}, func(error) {
			runner.CancelAll()
			runCancel()
		})
	}

	if err := g.Run(); err != nil {
		return err
	}
	return summarize(cmd.OutOrStdout(), reports, signalled)
}

// serveMetrics runs the metrics endpoint until ctx ends. An endpoint that
// fails is logged and replication carries on without it.
func serveMetrics(ctx context.Context, logger *slog.Logger, bind string, g prometheus.Gatherer) {
	logger.Info("metrics endpoint listening", logging.String("bind", bind))
	if err := metrics.Serve(ctx, bind, g); err != nil && ctx.Err() == nil {
		logging.WarnWithContext(logger, "metrics endpoint failed", "metrics_serve_failed",
			logging.String("bind", bind),
			logging.Error(err),
			logging.String(logging.FieldImpact, "replication continues without a metrics endpoint"),
		)
	}
	<-ctx.Done()
}

func buildJobs(cfg *config.Config, opts replicateOptions) ([]orchestrator.Job, error) {
	if len(opts.inputs) == 0 {
		return nil, errors.New("at least one --input is required")
	}
	if opts.output != "" && len(opts.inputs) > 1 {
		return nil, errors.New("--output can only be used with a single input")
	}
	if opts.frameRate < 0 || opts.maxFrames < 0 || opts.pollInterval < 0 {
		return nil, errors.New("--frame-rate, --max-frames, and --poll-interval must not be negative")
	}

	ref := strings.TrimSpace(opts.workflow)
	if ref == "" {
		ref = cfg.Workflow.DefaultID
	}
	def, err := workflowdef.Resolve(ref, cfg.Paths.WorkflowsDir)
	if err != nil {
		return nil, err
	}

	params := make(map[string]remote.Param)
	for _, raw := range opts.params {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q: expected key=value", raw)
		}
		params[key] = remote.ParseScalarParam(value)
	}
	if level := strings.TrimSpace(opts.qualityLevel); level != "" {
		params["quality_level"] = remote.StringParam(level)
	}

	output := ""
	if opts.output != "" {
		output, err = config.ExpandPath(opts.output)
		if err != nil {
			return nil, fmt.Errorf("resolve output path: %w", err)
		}
	}

	jobs := make([]orchestrator.Job, 0, len(opts.inputs))
	for _, input := range opts.inputs {
		path, err := config.ExpandPath(input)
		if err != nil {
			return nil, fmt.Errorf("resolve input %q: %w", input, err)
		}
		jobs = append(jobs, orchestrator.Job{
			InputPath:    path,
			OutputPath:   output,
			Workflow:     def,
			FrameRate:    opts.frameRate,
			MaxFrames:    opts.maxFrames,
			Params:       params,
			PollInterval: time.Duration(opts.pollInterval * float64(time.Second)),
		})
	}
	return jobs, nil
}

// summarize prints one line per job and returns an error when any job
// failed. Cancelled jobs are not failures.
func summarize(out io.Writer, reports []orchestrator.Report, signalled bool) error {
	ok, cross := "✓", "✗"
	if f, isFile := out.(*os.File); !isFile || !isatty.IsTerminal(f.Fd()) {
		ok, cross = "ok", "FAILED"
	}

	failed := 0
	for _, rep := range reports {
		name := filepath.Base(rep.Job.InputPath)
		switch {
		case rep.Err != nil:
			failed++
			msg := rep.Err.Error()
			var stageErr *orchestrator.StageError
			if errors.As(rep.Err, &stageErr) {
				msg = stageErr.UserMessage()
			}
			fmt.Fprintf(out, "%s %s: %s\n", cross, name, msg)
		case rep.Result.Outcome == orchestrator.OutcomeCancelled:
			fmt.Fprintf(out, "- %s: cancelled (remote %s)\n", name, rep.Result.Final)
		default:
			size := ""
			if info, err := os.Stat(rep.Result.OutputPath); err == nil {
				size = ", " + humanize.Bytes(uint64(info.Size()))
			}
			fmt.Fprintf(out, "%s %s -> %s (%d frames%s, %s)\n", ok, name, rep.Result.OutputPath,
				rep.Result.Frames, size, rep.Result.Elapsed.Round(time.Second))
		}
	}
	if signalled {
		fmt.Fprintln(out, "Replication interrupted")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d replications failed", failed, len(reports))
	}
	return nil
}
