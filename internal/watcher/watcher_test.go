package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joshavant/clawbox/internal/backend"
)

type stubBackend struct {
	running map[string]bool
}

func (s *stubBackend) List(ctx context.Context) ([]backend.Record, error) { return nil, nil }
func (s *stubBackend) Exists(ctx context.Context, vmName string) (bool, error) {
	_, ok := s.running[vmName]
	return ok, nil
}
func (s *stubBackend) Running(ctx context.Context, vmName string) (bool, error) {
	return s.running[vmName], nil
}
func (s *stubBackend) Clone(ctx context.Context, baseImage, vmName string) error { return nil }
func (s *stubBackend) Stop(ctx context.Context, vmName string) error            { return nil }
func (s *stubBackend) Delete(ctx context.Context, vmName string) error          { return nil }
func (s *stubBackend) IP(ctx context.Context, vmName string) (string, bool, error) {
	return "", false, nil
}
func (s *stubBackend) RunInBackground(ctx context.Context, vmName string, runArgs []string, logPath string) (int, error) {
	return 0, nil
}

// fakeWatcherScript writes a shell script that sleeps until SIGTERM, so its
// `ps -o command=` output contains the watch token and VM name as separate
// words, matching isWatcherPID's expectations.
func fakeWatcherScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-watcher.sh")
	script := "#!/bin/sh\ntrap 'exit 0' TERM INT\nwhile true; do sleep 1; done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStartIsIdempotentForLiveOwnedWatcher(t *testing.T) {
	stateDir := t.TempDir()
	be := &stubBackend{running: map[string]bool{"clawbox-1": true}}
	sup := New(stateDir, be, fakeWatcherScript(t), nil)

	pid1, err := sup.Start("clawbox-1", 2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop("clawbox-1", 5)

	pid2, err := sup.Start("clawbox-1", 2)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if pid1 != pid2 {
		t.Errorf("expected idempotent Start to return the same PID, got %d and %d", pid1, pid2)
	}
}

func TestStartThenStopIsNoOpOnStateDir(t *testing.T) {
	stateDir := t.TempDir()
	be := &stubBackend{running: map[string]bool{"clawbox-1": true}}
	sup := New(stateDir, be, fakeWatcherScript(t), nil)

	pid, err := sup.Start("clawbox-1", 2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !PIDRunning(pid) {
		t.Fatal("expected watcher process to be running after Start")
	}

	sup.Stop("clawbox-1", 5)

	if _, err := os.Stat(recordPath(stateDir, "clawbox-1")); !os.IsNotExist(err) {
		t.Errorf("expected watcher record to be removed after Stop, stat err=%v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && PIDRunning(pid) {
		time.Sleep(20 * time.Millisecond)
	}
	if PIDRunning(pid) {
		t.Errorf("expected watcher process %d to have exited after Stop", pid)
	}
}

func TestReconcileDropsDeadPIDRecordAndCleansLocksWhenVMGone(t *testing.T) {
	stateDir := t.TempDir()
	be := &stubBackend{running: map[string]bool{}} // clawbox-1 reports not running
	var toredDown []string
	sup := New(stateDir, be, fakeWatcherScript(t), func(vm string) {
		toredDown = append(toredDown, vm)
	})

	if err := atomicWriteJSON(recordPath(stateDir, "clawbox-1"), Record{
		VMName: "clawbox-1", PID: 999999, PollSeconds: 2, StartedAt: timestamp(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if _, err := os.Stat(recordPath(stateDir, "clawbox-1")); !os.IsNotExist(err) {
		t.Errorf("expected dead-pid record to be removed")
	}
	if len(toredDown) != 1 || toredDown[0] != "clawbox-1" {
		t.Errorf("expected teardown callback for clawbox-1, got %v", toredDown)
	}
}

func TestReconcileStopsWatcherWhenVMNoLongerRunning(t *testing.T) {
	stateDir := t.TempDir()
	be := &stubBackend{running: map[string]bool{"clawbox-1": false}}
	var toredDown []string
	sup := New(stateDir, be, fakeWatcherScript(t), func(vm string) {
		toredDown = append(toredDown, vm)
	})

	pid, err := sup.Start("clawbox-1", 2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if PIDRunning(pid) {
			sup.Stop("clawbox-1", 5)
		}
	}()

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if _, err := os.Stat(recordPath(stateDir, "clawbox-1")); !os.IsNotExist(err) {
		t.Errorf("expected record to be removed once VM reported not running")
	}
	if len(toredDown) != 1 {
		t.Errorf("expected a single teardown callback, got %v", toredDown)
	}
}
