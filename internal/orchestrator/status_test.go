package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/joshavant/clawbox/internal/backend"
	"github.com/joshavant/clawbox/internal/config"
	"github.com/joshavant/clawbox/internal/marker"
	"github.com/joshavant/clawbox/internal/model"
	"github.com/joshavant/clawbox/internal/probe"
)

type stubStatusBackend struct {
	records []backend.Record
	running map[string]bool
	ips     map[string]string
}

func (s *stubStatusBackend) List(ctx context.Context) ([]backend.Record, error) {
	return s.records, nil
}
func (s *stubStatusBackend) Exists(ctx context.Context, vmName string) (bool, error) {
	for _, r := range s.records {
		if r.Name == vmName {
			return true, nil
		}
	}
	return false, nil
}
func (s *stubStatusBackend) Running(ctx context.Context, vmName string) (bool, error) {
	return s.running[vmName], nil
}
func (s *stubStatusBackend) Clone(ctx context.Context, baseImage, vmName string) error { return nil }
func (s *stubStatusBackend) Stop(ctx context.Context, vmName string) error             { return nil }
func (s *stubStatusBackend) Delete(ctx context.Context, vmName string) error           { return nil }
func (s *stubStatusBackend) IP(ctx context.Context, vmName string) (string, bool, error) {
	ip, ok := s.ips[vmName]
	return ip, ok, nil
}
func (s *stubStatusBackend) RunInBackground(ctx context.Context, vmName string, runArgs []string, logPath string) (int, error) {
	return 0, nil
}

type stubProbeRunner struct {
	stdout string
}

func (r *stubProbeRunner) RunShell(ctx context.Context, target, shellCmd string, opts probe.ShellOptions) (int, string, string, error) {
	return 0, r.stdout, "", nil
}

type stubSyncTool struct{}

func (stubSyncTool) Available() bool { return false }
func (stubSyncTool) Run(ctx context.Context, args []string) (int, string, string, error) {
	return 0, "", "", nil
}

func newTestOrchestrator(t *testing.T, be backend.Backend, runner probe.Runner) (*Orchestrator, string) {
	t.Helper()
	stateDir := t.TempDir()
	cfg := config.Config{
		VMBaseName:             "clawbox",
		StateDir:               stateDir,
		OpenclawSourceMount:    "/workspace/openclaw",
		OpenclawPayloadMount:   "/workspace/payload",
		SignalCLIPayloadMount:  "/workspace/signal-payload",
		BootstrapAdminUser:     "admin",
		BootstrapAdminPassword: "admin",
	}
	shell := &RemoteShell{Runner: runner}
	sc := &SyncController{Tool: stubSyncTool{}}
	markers := &MarkerStore{StateDir: stateDir}
	o := NewOrchestrator(cfg, be, nil, shell, sc, nil, markers, nil, nil, nil)
	return o, stateDir
}

func TestStatusSingleVMNotExists(t *testing.T) {
	be := &stubStatusBackend{}
	o, _ := newTestOrchestrator(t, be, &stubProbeRunner{})

	n := 1
	text, err := o.Status(context.Background(), &n, false)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !containsAll(text, "clawbox-1:", "exists: false") {
		t.Fatalf("unexpected status text: %q", text)
	}
}

func TestStatusSingleVMRunningWithMarker(t *testing.T) {
	be := &stubStatusBackend{
		records: []backend.Record{{Name: "clawbox-2", Running: true}},
		running: map[string]bool{"clawbox-2": true},
		ips:     map[string]string{"clawbox-2": "10.0.0.5"},
	}
	o, stateDir := newTestOrchestrator(t, be, &stubProbeRunner{})

	m := &marker.Marker{
		VMName:        "clawbox-2",
		Profile:       model.ProfileStandard,
		ProvisionedAt: "2026-01-01T00:00:00Z",
	}
	if err := m.Write(marker.Path(stateDir, "clawbox-2")); err != nil {
		t.Fatalf("Write marker: %v", err)
	}

	n := 2
	text, err := o.Status(context.Background(), &n, false)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !containsAll(text, "clawbox-2:", "running: true", "provisioned: true", "ip: 10.0.0.5") {
		t.Fatalf("unexpected status text: %q", text)
	}
}

func TestStatusDeveloperProfileProbesSyncPaths(t *testing.T) {
	be := &stubStatusBackend{
		records: []backend.Record{{Name: "clawbox-3", Running: true}},
		running: map[string]bool{"clawbox-3": true},
		ips:     map[string]string{"clawbox-3": "10.0.0.9"},
	}
	stdout := "/workspace/openclaw=mounted\n/workspace/payload=dir\n"
	o, stateDir := newTestOrchestrator(t, be, &stubProbeRunner{stdout: stdout})

	m := &marker.Marker{
		VMName:        "clawbox-3",
		Profile:       model.ProfileDeveloper,
		SyncBackend:   marker.DefaultSyncBackend,
		ProvisionedAt: "2026-01-01T00:00:00Z",
	}
	if err := m.Write(marker.Path(stateDir, "clawbox-3")); err != nil {
		t.Fatalf("Write marker: %v", err)
	}

	n := 3
	text, err := o.Status(context.Background(), &n, false)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !containsAll(text, "sync paths:", "/workspace/openclaw: mounted", "/workspace/payload: dir") {
		t.Fatalf("expected sync path probe results, got: %q", text)
	}
}

func TestStatusEnumeratesCandidatesFromBackendAndMarkers(t *testing.T) {
	be := &stubStatusBackend{
		records: []backend.Record{{Name: "clawbox-4"}},
	}
	o, stateDir := newTestOrchestrator(t, be, &stubProbeRunner{})

	// Leftover marker for a VM the backend no longer knows about.
	m := &marker.Marker{VMName: "clawbox-7", Profile: model.ProfileStandard}
	if err := m.Write(marker.Path(stateDir, "clawbox-7")); err != nil {
		t.Fatalf("Write marker: %v", err)
	}

	numbers, err := o.candidateVMNumbers(context.Background())
	if err != nil {
		t.Fatalf("candidateVMNumbers: %v", err)
	}
	if len(numbers) != 2 || numbers[0] != 4 || numbers[1] != 7 {
		t.Fatalf("expected [4 7], got %v", numbers)
	}
}

func TestStatusEnumerationDefaultsToOneWhenEmpty(t *testing.T) {
	be := &stubStatusBackend{}
	o, _ := newTestOrchestrator(t, be, &stubProbeRunner{})

	numbers, err := o.candidateVMNumbers(context.Background())
	if err != nil {
		t.Fatalf("candidateVMNumbers: %v", err)
	}
	if len(numbers) != 1 || numbers[0] != 1 {
		t.Fatalf("expected [1], got %v", numbers)
	}
}

func TestStatusJSONEnvelope(t *testing.T) {
	be := &stubStatusBackend{
		records: []backend.Record{{Name: "clawbox-1"}},
	}
	o, _ := newTestOrchestrator(t, be, &stubProbeRunner{})

	n := 1
	text, err := o.Status(context.Background(), &n, true)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	var envelope StatusEnvelope
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		t.Fatalf("unmarshal: %v\noutput: %s", err, text)
	}
	if len(envelope.VMs) != 1 || envelope.VMs[0].VMName != "clawbox-1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestParseVMNumber(t *testing.T) {
	cases := []struct {
		vmName string
		prefix string
		want   int
		ok     bool
	}{
		{"clawbox-1", "clawbox-", 1, true},
		{"clawbox-42", "clawbox-", 42, true},
		{"clawbox-", "clawbox-", 0, false},
		{"clawbox-1x", "clawbox-", 0, false},
		{"other-1", "clawbox-", 0, false},
	}
	for _, c := range cases {
		got, ok := parseVMNumber(c.vmName, c.prefix)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("parseVMNumber(%q, %q) = (%d, %v), want (%d, %v)", c.vmName, c.prefix, got, ok, c.want, c.ok)
		}
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
