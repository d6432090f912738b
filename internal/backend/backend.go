// Package backend is a typed wrapper over the external type-2 hypervisor CLI
// that owns every managed VM. All process-boundary failures are classified
// into typed errors at this boundary so callers never parse raw subprocess
// output.
package backend

import (
	"context"
	"time"
)

// Record describes one VM as reported by the backend's list operation.
type Record struct {
	Name    string
	Running bool
}

// Backend is the interface the orchestrator drives. Exactly one
// implementation exists in production (CLIBackend, shelling out to the
// configured hypervisor CLI); tests substitute a stub.
type Backend interface {
	// List returns every VM the backend currently knows about.
	List(ctx context.Context) ([]Record, error)

	// Exists reports whether a VM with this name exists.
	Exists(ctx context.Context, vmName string) (bool, error)

	// Running reports whether a VM with this name is currently running. A
	// non-boolean or absent Running field is treated as false.
	Running(ctx context.Context, vmName string) (bool, error)

	// Clone creates vmName from baseImage. Blocks until the clone completes.
	Clone(ctx context.Context, baseImage, vmName string) error

	// Stop requests the VM stop. Best-effort: a nonzero exit is not an error.
	Stop(ctx context.Context, vmName string) error

	// Delete removes the VM. Best-effort: a nonzero exit is not an error.
	Delete(ctx context.Context, vmName string) error

	// IP resolves the VM's guest IP, trying an agent resolver before the
	// default resolver. Returns ("", false) if neither produces output.
	IP(ctx context.Context, vmName string) (string, bool, error)

	// RunInBackground detaches a new session running the VM with runArgs,
	// redirecting its stdout/stderr to logPath (whose parent directory is
	// created if needed). Returns the child's PID.
	RunInBackground(ctx context.Context, vmName string, runArgs []string, logPath string) (pid int, err error)
}

// WaitForRunning polls Running until it returns true or timeout elapses,
// sleeping poll between attempts. It always returns the final observation.
func WaitForRunning(ctx context.Context, b Backend, vmName string, timeout, poll time.Duration) (bool, error) {
	var lastErr error
	for waited := time.Duration(0); waited < timeout; waited += poll {
		running, err := b.Running(ctx, vmName)
		if err != nil {
			lastErr = err
		} else if running {
			return true, nil
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return false, err
		}
	}
	running, err := b.Running(ctx, vmName)
	if err != nil && lastErr == nil {
		lastErr = err
	}
	return running, lastErr
}

// sleepCtx sleeps for d or returns early with ctx.Err() if ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
