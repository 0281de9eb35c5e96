// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// FakeDaemon is a real child process standing in for a supervised daemon.
// The supervisor signals its PID; the heartbeats come from the test itself.
type FakeDaemon struct {
	cmd    *exec.Cmd
	exited chan struct{}

	mu      sync.Mutex
	waitErr error
}

// StartFakeDaemon launches a long-running sleep process.
func StartFakeDaemon() (*FakeDaemon, error) {
	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start fake daemon: %w", err)
	}

	d := &FakeDaemon{cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		d.mu.Lock()
		d.waitErr = err
		d.mu.Unlock()
		close(d.exited)
	}()
	return d, nil
}

// PID returns the child's process ID.
func (d *FakeDaemon) PID() int {
	return d.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (d *FakeDaemon) Exited() <-chan struct{} {
	return d.exited
}

// WaitExit waits up to timeout and reports whether the child exited.
func (d *FakeDaemon) WaitExit(timeout time.Duration) bool {
	select {
	case <-d.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ExitError returns the error from reaping the child, e.g. "signal: terminated".
func (d *FakeDaemon) ExitError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitErr
}

// Cleanup kills the child if it is still running.
func (d *FakeDaemon) Cleanup() {
	select {
	case <-d.exited:
	default:
		_ = d.cmd.Process.Kill()
		<-d.exited
	}
}
