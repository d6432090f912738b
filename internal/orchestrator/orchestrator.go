// Package orchestrator composes the VM backend, path locks, remote probe,
// sync controller, watcher supervisor, and marker store into the lifecycle
// operations the CLI exposes. Each operation validates its arguments,
// acquires the resources it needs, drives the lifecycle transition, and
// folds every adapter failure into a single user-facing error type.
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joshavant/clawbox/internal/backend"
	"github.com/joshavant/clawbox/internal/config"
	"github.com/joshavant/clawbox/internal/locks"
	"github.com/joshavant/clawbox/internal/marker"
	"github.com/joshavant/clawbox/internal/model"
	"github.com/joshavant/clawbox/internal/probe"
	"github.com/joshavant/clawbox/internal/synclog"
	"github.com/joshavant/clawbox/internal/syncctl"
	"github.com/joshavant/clawbox/internal/watcher"
)

// UserFacingError is the single error type every orchestrator operation
// returns on failure: its Error() text is exactly what the CLI prints.
// Every adapter error (backend, lock, sync, watcher) gets funneled into one
// of these at the orchestrator boundary.
type UserFacingError struct {
	Message string
}

func (e *UserFacingError) Error() string { return e.Message }

func userErr(format string, args ...any) *UserFacingError {
	if len(args) == 0 {
		return &UserFacingError{Message: format}
	}
	return &UserFacingError{Message: fmt.Sprintf(format, args...)}
}

// virtualizationLimitIndicators are substrings (matched case-insensitively)
// that a VM backend failure message carries when macOS
// Virtualization.framework refused to run another VM.
var virtualizationLimitIndicators = []string{
	"vzerrordomain",
	"virtualization",
	"virtual machine limit",
	"system limit",
	"exceeds the system limit",
	"maximum number of virtual machines",
	"resource busy",
}

const virtualizationLimitHint = "\nHint: macOS Virtualization.framework may be refusing another VM on this host.\n" +
	"Stop other VMs and retry (for example: clawbox down 1, clawbox down 2)."

// withVirtualizationLimitHint appends the virtualization-limit hint to
// message if it looks like a virtualization resource-limit failure.
// Idempotent: a message that already carries the hint is returned unchanged.
func withVirtualizationLimitHint(message string) string {
	if strings.Contains(message, virtualizationLimitHint) {
		return message
	}
	lower := strings.ToLower(message)
	for _, indicator := range virtualizationLimitIndicators {
		if strings.Contains(lower, indicator) {
			return message + virtualizationLimitHint
		}
	}
	return message
}

// RemoteShell adapts the probe Runner to the orchestrator's per-call
// credential and inventory needs.
type RemoteShell struct {
	Runner                probe.Runner
	AnsibleDir            string
	ConnectTimeoutSeconds int
	CommandTimeoutSeconds int
}

func (r *RemoteShell) options(user, password, inventoryPath string, become bool) probe.ShellOptions {
	return probe.ShellOptions{
		AnsibleDir:            r.AnsibleDir,
		InventoryPath:         inventoryPath,
		AnsibleUser:           user,
		AnsiblePassword:       password,
		ConnectTimeoutSeconds: r.ConnectTimeoutSeconds,
		CommandTimeoutSeconds: r.CommandTimeoutSeconds,
		Become:                become,
	}
}

// SyncController bundles syncctl's package-level functions with the
// filesystem roots they need on every call.
type SyncController struct {
	Tool   syncctl.Tool
	SSHDir string
}

// MarkerStore is a thin, stateDir-scoped wrapper over the package-level
// marker functions.
type MarkerStore struct {
	StateDir string
}

func (s *MarkerStore) path(vmName string) string { return marker.Path(s.StateDir, vmName) }

func (s *MarkerStore) Load(vmName string) (*marker.Marker, error) {
	return marker.FromFile(s.path(vmName))
}

func (s *MarkerStore) Write(m *marker.Marker) error {
	return m.Write(s.path(m.VMName))
}

func (s *MarkerStore) Remove(vmName string) {
	os.Remove(s.path(vmName))
}

// Orchestrator is the composition root wiring every adapter package into the
// VM lifecycle operations.
type Orchestrator struct {
	cfg       config.Config
	backend   backend.Backend
	locks     *locks.Manager
	shell     *RemoteShell
	sync      *SyncController
	watcher   *watcher.Supervisor
	markers   *MarkerStore
	eventlog  *synclog.Log
	provision Provisioner
	logger    *slog.Logger

	// activatedSync tracks VM names whose developer sync was (re)activated
	// already during this process's lifetime, so a provision() immediately
	// following an up()-driven activation does not redundantly re-run key
	// install and readiness probing against the same freshly-booted guest.
	activatedSync map[string]bool
}

// NewOrchestrator wires every adapter into an Orchestrator. The path this
// binary re-execs as the hidden "_watch-vm" subcommand is carried by wsup,
// which was built with it.
func NewOrchestrator(
	cfg config.Config,
	be backend.Backend,
	lm *locks.Manager,
	shell *RemoteShell,
	sc *SyncController,
	wsup *watcher.Supervisor,
	markers *MarkerStore,
	eventlog *synclog.Log,
	provision Provisioner,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		backend:       be,
		locks:         lm,
		shell:         shell,
		sync:          sc,
		watcher:       wsup,
		markers:       markers,
		eventlog:      eventlog,
		provision:     provision,
		logger:        logger,
		activatedSync: make(map[string]bool),
	}
}

func (o *Orchestrator) vmName(n int) string {
	return model.VMName(o.cfg.VMBaseName, n)
}
