// Package logs reads back the JSON log file written by the logging package,
// optionally narrowed to one job.
package logs
