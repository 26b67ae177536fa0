package preflight

import (
	"context"
	"time"

	"framerelay/internal/config"
	"framerelay/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Pinger reports round-trip latency to the remote workflow service.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// RunAll executes every preflight check for the given config. The remote
// check is skipped when pinger is nil.
func RunAll(ctx context.Context, cfg *config.Config, pinger Pinger) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Work directory", cfg.Paths.TempDir),
		CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckFreeSpace("Work directory space", cfg.Paths.TempDir, MinFreeBytes),
	}

	for _, status := range deps.CheckBinaries(ctx, deps.Requirements(cfg)) {
		results = append(results, binaryResult(status))
	}

	if pinger != nil {
		results = append(results, CheckRemote(ctx, pinger))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

func binaryResult(status deps.Status) Result {
	if !status.Available {
		if status.Optional {
			return Result{Name: status.Name, Passed: true, Detail: "optional, " + status.Detail}
		}
		return Result{Name: status.Name, Detail: status.Detail}
	}
	detail := status.Path
	if status.Version != "" {
		detail += " (" + status.Version + ")"
	}
	return Result{Name: status.Name, Passed: true, Detail: detail}
}
