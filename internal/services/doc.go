// Package services defines shared utilities consumed by the orchestrator, the
// remote client, and the CLI.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, remote task IDs, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent job statuses (failed vs cancelled).
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability) stays uniform across a replication run.
package services
