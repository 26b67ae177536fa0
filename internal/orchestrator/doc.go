// Package orchestrator drives one replication per input video: probe the
// source, extract frames, upload them, submit the remote workflow, wait for
// it, download the processed frames, and compose the output video.
//
// A Task owns the state of a single run. Tasks never share state with each
// other except through the remote client, whose credential is shared. The
// Runner starts tasks concurrently, persists their progress in the job
// journal, and relays cancellation requested from another process.
//
// Every failure surfaces as a *StageError naming the stage, the local job,
// the remote task, and the last remote status observed. A run can always be
// retried from scratch.
package orchestrator
