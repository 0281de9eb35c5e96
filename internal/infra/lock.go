package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = "carnary.lock"

// InstanceLock guarantees a single supervisor per data directory.
type InstanceLock struct {
	lock *flock.Flock
}

// AcquireInstanceLock takes the lock without blocking.
func AcquireInstanceLock(dataDir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fl := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("supervisor already running (lock held by another process)")
	}
	return &InstanceLock{lock: fl}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.lock.Path()
}

// Release drops the lock.
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}
