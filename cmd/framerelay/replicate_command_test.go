package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMetricsBindFailureDoesNotStopReplication(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	var g run.Group
	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	g.Add(func() error {
		serveMetrics(metricsCtx, logger, busy.Addr().String(), prometheus.NewRegistry())
		return nil
	}, func(error) {
		metricsCancel()
	})

	finished := false
	workCtx, workCancel := context.WithCancel(context.Background())
	g.Add(func() error {
		select {
		case <-time.After(100 * time.Millisecond):
			finished = true
		case <-workCtx.Done():
		}
		return nil
	}, func(error) {
		workCancel()
	})

	if err := g.Run(); err != nil {
		t.Fatalf("run group: %v", err)
	}
	if !finished {
		t.Fatal("replication actor was interrupted by the metrics failure")
	}
	if !strings.Contains(logs.String(), "metrics endpoint failed") {
		t.Fatalf("expected metrics failure to be logged, got %s", logs.String())
	}
}
