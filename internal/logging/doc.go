// Package logging builds framerelay's slog loggers.
//
// A replicate run logs to the console and, when paths.log_dir is set, appends
// every record as JSON to framerelay.log, the file `framerelay logs` tails.
// Records carry job_id, task_id and stage taken from the context so one job's
// lines can be pulled out of a batch run. StageSampler keeps per-job progress
// lines down to stage changes, remote state changes and percent buckets.
package logging
