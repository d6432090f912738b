package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joshavant/clawbox/internal/backend"
	"github.com/joshavant/clawbox/internal/config"
	"github.com/joshavant/clawbox/internal/locks"
	"github.com/joshavant/clawbox/internal/marker"
	"github.com/joshavant/clawbox/internal/model"
	"github.com/joshavant/clawbox/internal/synclog"
	"github.com/joshavant/clawbox/internal/watcher"
)

type stubOpsBackend struct {
	exists  map[string]bool
	running map[string]bool
	cloned  []string
	deleted []string
}

func newStubOpsBackend() *stubOpsBackend {
	return &stubOpsBackend{exists: map[string]bool{}, running: map[string]bool{}}
}

func (s *stubOpsBackend) List(ctx context.Context) ([]backend.Record, error) { return nil, nil }
func (s *stubOpsBackend) Exists(ctx context.Context, vmName string) (bool, error) {
	return s.exists[vmName], nil
}
func (s *stubOpsBackend) Running(ctx context.Context, vmName string) (bool, error) {
	return s.running[vmName], nil
}
func (s *stubOpsBackend) Clone(ctx context.Context, baseImage, vmName string) error {
	s.cloned = append(s.cloned, vmName)
	s.exists[vmName] = true
	return nil
}
func (s *stubOpsBackend) Stop(ctx context.Context, vmName string) error {
	s.running[vmName] = false
	return nil
}
func (s *stubOpsBackend) Delete(ctx context.Context, vmName string) error {
	s.deleted = append(s.deleted, vmName)
	delete(s.exists, vmName)
	return nil
}
func (s *stubOpsBackend) IP(ctx context.Context, vmName string) (string, bool, error) {
	return "", false, nil
}
func (s *stubOpsBackend) RunInBackground(ctx context.Context, vmName string, runArgs []string, logPath string) (int, error) {
	return 0, nil
}

// newFullTestOrchestrator wires every adapter for real (filesystem-backed,
// scoped to t.TempDir()) so operations that touch locks/watcher/eventlog
// don't nil-pointer-deref; only the backend and sync tool are stubbed.
func newFullTestOrchestrator(t *testing.T, be backend.Backend) (*Orchestrator, *stubOpsBackend) {
	t.Helper()
	stateDir := t.TempDir()
	lockRoot := t.TempDir()

	cfg := config.Config{
		VMBaseName:           "clawbox",
		StateDir:             stateDir,
		SecretsFile:          filepath.Join(stateDir, "secrets.yml"),
		SyncEventLogMaxBytes: 1 << 20,
	}
	lm := locks.NewManager(lockRoot, be)
	wsup := watcher.New(stateDir, be, "/bin/true", nil)
	markers := &MarkerStore{StateDir: stateDir}
	eventlog := synclog.New(stateDir, cfg.SyncEventLogMaxBytes)
	sc := &SyncController{Tool: stubSyncTool{}, SSHDir: t.TempDir()}
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))

	o := NewOrchestrator(cfg, be, lm, &RemoteShell{}, sc, wsup, markers, eventlog, nil, logger)
	sb, _ := be.(*stubOpsBackend)
	return o, sb
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCreateClonesNewVM(t *testing.T) {
	be := newStubOpsBackend()
	o, _ := newFullTestOrchestrator(t, be)

	if err := o.Create(context.Background(), 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(be.cloned) != 1 || be.cloned[0] != "clawbox-1" {
		t.Fatalf("expected clawbox-1 to be cloned, got %v", be.cloned)
	}
}

func TestCreateRejectsExistingVM(t *testing.T) {
	be := newStubOpsBackend()
	be.exists["clawbox-1"] = true
	o, _ := newFullTestOrchestrator(t, be)

	err := o.Create(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error for an already-existing VM")
	}
	if len(be.cloned) != 0 {
		t.Fatalf("expected no clone attempt, got %v", be.cloned)
	}
}

func TestDeleteOnAbsentVMIsANoop(t *testing.T) {
	be := newStubOpsBackend()
	o, _ := newFullTestOrchestrator(t, be)

	if err := o.Delete(context.Background(), 3); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(be.deleted) != 0 {
		t.Fatalf("expected no delete call for an absent VM, got %v", be.deleted)
	}
}

func TestUpSkipsProvisioningOnMarkerMatch(t *testing.T) {
	be := newStubOpsBackend()
	be.exists["clawbox-1"] = true
	be.running["clawbox-1"] = true
	o, _ := newFullTestOrchestrator(t, be)

	m := &marker.Marker{
		VMName:        "clawbox-1",
		Profile:       model.ProfileStandard,
		ProvisionedAt: "2026-01-01T00:00:00Z",
	}
	if err := o.markers.Write(m); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	status, err := o.Up(context.Background(), UpOptions{VMNumber: 1, Profile: model.ProfileStandard})
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if status != "Clawbox is running: clawbox-1 (provisioning skipped)" {
		t.Fatalf("unexpected terminal status line: %q", status)
	}
}

func TestUpRefusesMarkerMismatch(t *testing.T) {
	be := newStubOpsBackend()
	be.exists["clawbox-1"] = true
	be.running["clawbox-1"] = true
	o, _ := newFullTestOrchestrator(t, be)

	m := &marker.Marker{
		VMName:        "clawbox-1",
		Profile:       model.ProfileStandard,
		Playwright:    true,
		ProvisionedAt: "2026-01-01T00:00:00Z",
	}
	if err := o.markers.Write(m); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	_, err := o.Up(context.Background(), UpOptions{VMNumber: 1, Profile: model.ProfileStandard})
	if err == nil {
		t.Fatal("expected a marker-mismatch error")
	}
	if !strings.Contains(err.Error(), "Requested options do not match") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpTerminalStatusLineFormats(t *testing.T) {
	if got := readyStatusLine("clawbox-2"); got != "Clawbox is ready: clawbox-2" {
		t.Errorf("readyStatusLine = %q", got)
	}
	if got := skippedStatusLine("clawbox-2"); got != "Clawbox is running: clawbox-2 (provisioning skipped)" {
		t.Errorf("skippedStatusLine = %q", got)
	}
}

func TestDeleteStopsAndDeletesARunningVM(t *testing.T) {
	be := newStubOpsBackend()
	be.exists["clawbox-2"] = true
	be.running["clawbox-2"] = true
	o, _ := newFullTestOrchestrator(t, be)

	if err := o.Delete(context.Background(), 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(be.deleted) != 1 || be.deleted[0] != "clawbox-2" {
		t.Fatalf("expected clawbox-2 to be deleted, got %v", be.deleted)
	}
	if _, stillExists := be.exists["clawbox-2"]; stillExists {
		t.Fatal("expected clawbox-2 to no longer exist after Delete")
	}
}
