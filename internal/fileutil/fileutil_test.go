package fileutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	dst := filepath.Join(dir, "out", "dst.mp4")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := MoveFile(src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source to be gone, stat err=%v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "frames" {
		t.Fatalf("content mismatch: got %q", got)
	}
}

func TestCopyFileVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	content := []byte("verified copy content")
	if err := os.WriteFile(src, content, 0o640); err != nil {
		t.Fatal(err)
	}

	if err := CopyFileVerified(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}

func TestCopyFileVerified_MissingSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nonexistent")
	dst := filepath.Join(dir, "dst.bin")

	err := CopyFileVerified(src, dst)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestReservePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output", "clip_replicated.mp4")

	got, err := ReservePath(path)
	if err != nil || got != path {
		t.Fatalf("expected free path unchanged, got %q err=%v", got, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected placeholder at %s: %v", path, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "output", "clip_replicated-2.mp4"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = ReservePath(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "output", "clip_replicated-3.mp4"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestReservePathConcurrentCallersGetDistinctNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip_replicated.mp4")
	const callers = 8

	var (
		mu    sync.Mutex
		seen  = map[string]bool{}
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := ReservePath(path)
			if err != nil {
				t.Errorf("ReservePath: %v", err)
				return
			}
			mu.Lock()
			seen[got] = true
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	if len(seen) != callers {
		t.Fatalf("expected %d distinct names, got %d: %v", callers, len(seen), seen)
	}
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "frames"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 10), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "frames", "b.bin"), make([]byte, 32), 0o644); err != nil {
		t.Fatal(err)
	}
	size, err := DirSize(dir)
	if err != nil {
		t.Fatal(err)
	}
	if size != 42 {
		t.Fatalf("expected 42 bytes, got %d", size)
	}
}
