package testsupport

import (
	"context"
	"testing"

	"framerelay/internal/config"
	"framerelay/internal/jobstore"
)

// MustOpenStore opens a jobstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a pending job for tests using the provided store.
func NewJob(t testing.TB, store *jobstore.Store, input string) *jobstore.Job {
	t.Helper()

	job, err := store.Create(context.Background(), input, "", "default_video_replication")
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}
