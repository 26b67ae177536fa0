// Package metrics exposes transfer, polling, and task counters.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives observations from the remote client and orchestrator.
type Recorder interface {
	ObserveAuthRefresh(outcome string)
	ObserveChunk(outcome string, bytes int64)
	AddDownloadBytes(bytes int64)
	ObserveRetry(op, class string)
	ObservePoll(state string)
	ObserveTask(workflow, outcome string, durationSeconds float64)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveAuthRefresh(string)           {}
func (Noop) ObserveChunk(string, int64)          {}
func (Noop) AddDownloadBytes(int64)              {}
func (Noop) ObserveRetry(string, string)         {}
func (Noop) ObservePoll(string)                  {}
func (Noop) ObserveTask(string, string, float64) {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	authRefreshes *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	downloadBytes prometheus.Counter
	retries       *prometheus.CounterVec
	polls         *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
}

// NewProm registers the collectors with reg. A nil reg uses the default
// registerer.
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		authRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_refreshes_total",
			Help:      "Credential refreshes by outcome",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunks_total",
			Help:      "Chunk send attempts by outcome",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes acknowledged by the remote",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes written from completed downloads",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried network operations by operation and error class",
		}, []string{"op", "class"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_observations_total",
			Help:      "Task status observations by state",
		}, []string{"state"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Finished replication tasks by workflow and outcome",
		}, []string{"workflow", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "End-to-end replication task duration",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"workflow"}),
	}
	collectors := []prometheus.Collector{
		p.authRefreshes, p.chunks, p.uploadBytes, p.downloadBytes,
		p.retries, p.polls, p.tasks, p.taskDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) ObserveAuthRefresh(outcome string) {
	p.authRefreshes.WithLabelValues(outcome).Inc()
}

func (p *Prom) ObserveChunk(outcome string, bytes int64) {
	p.chunks.WithLabelValues(outcome).Inc()
	if outcome == "ok" && bytes > 0 {
		p.uploadBytes.Add(float64(bytes))
	}
}

func (p *Prom) AddDownloadBytes(bytes int64) {
	if bytes > 0 {
		p.downloadBytes.Add(float64(bytes))
	}
}

func (p *Prom) ObserveRetry(op, class string) {
	p.retries.WithLabelValues(op, class).Inc()
}

func (p *Prom) ObservePoll(state string) {
	p.polls.WithLabelValues(state).Inc()
}

func (p *Prom) ObserveTask(workflow, outcome string, durationSeconds float64) {
	p.tasks.WithLabelValues(workflow, outcome).Inc()
	p.taskDuration.WithLabelValues(workflow).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics backed by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on bind until ctx is cancelled.
func Serve(ctx context.Context, bind string, g prometheus.Gatherer) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
