// Package ffmpeg wraps the ffmpeg binary for the two local video steps of a
// replication: splitting an input into numbered still frames and composing
// processed frames back into a video.
//
// All invocations go through an Executor so tests can assert on argument
// lists without a real ffmpeg install.
package ffmpeg
