// Package jobstore persists replication jobs in SQLite so separate CLI
// invocations can inspect and cancel runs.
//
// Each job records its input and output paths, the workflow it runs, the
// orchestration stage and progress, the remote task identifier once the
// workflow is submitted, and the last remote status observed. The running
// process owns a job; other processes only read it or raise its
// cancel_requested flag, which the owner polls.
//
// The database is treated as a journal for recent jobs rather than a long-term
// archive. Schema changes bump schemaVersion; users delete the database to
// adopt the new schema.
package jobstore
