package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrInputBusy reports an input already being replicated by another run.
var ErrInputBusy = errors.New("input is already being replicated")

// inputLock is an advisory lock on one input file, shared across processes.
type inputLock struct {
	lock *flock.Flock
}

func lockInput(dir, input string) (*inputLock, error) {
	abs, err := filepath.Abs(input)
	if err != nil {
		return nil, fmt.Errorf("resolve input: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	path := filepath.Join(dir, hex.EncodeToString(sum[:8])+".lock")
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrInputBusy, abs)
	}
	return &inputLock{lock: lock}, nil
}

func (l *inputLock) release() {
	if l == nil || l.lock == nil {
		return
	}
	_ = l.lock.Unlock()
}
