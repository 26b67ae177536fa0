// Package preflight provides readiness checks for the filesystem paths,
// external binaries, and remote service that framerelay depends on.
//
// These checks run in two contexts:
//   - The orchestrator calls RunAll before starting a replication batch.
//     If any check fails, the batch is refused before any upload begins.
//   - The CLI "framerelay test-connection" command prints every result.
package preflight
