// Package syncctl owns the lifecycle of bidirectional host<->guest sync
// sessions and the SSH key/alias provisioning the sync tool needs to reach a
// VM.
package syncctl

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joshavant/clawbox/internal/backend"
)

// SessionSpec describes one sync session to create.
type SessionSpec struct {
	Kind          string
	HostPath      string
	GuestPath     string
	IgnoreVCS     bool
	IgnoredPaths  []string
	ReadyRequired bool
}

func sessionName(vmName, kind string) string {
	return "clawbox-" + sanitizeVMName(vmName) + "-" + kind
}

func vmLabel(vmName string) string { return "clawbox.vm=" + vmName }

// Tool runs the external sync binary ("mutagen"). The production
// implementation shells out; tests substitute a stub so no real sync tool is
// required.
type Tool interface {
	Available() bool
	Run(ctx context.Context, args []string) (exitCode int, stdout, stderr string, err error)
}

// CLITool is the production Tool, invoking the "mutagen" executable.
type CLITool struct{}

func (CLITool) Available() bool {
	_, err := exec.LookPath("mutagen")
	return err == nil
}

func (CLITool) Run(ctx context.Context, args []string) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, "mutagen", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return 0, stdout.String(), stderr.String(), nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	}
	return -1, stdout.String(), stderr.String(), err
}

// runChecked runs args and returns *Error on a nonzero exit or launch
// failure.
func runChecked(ctx context.Context, tool Tool, args []string) error {
	exitCode, stdout, stderr, err := tool.Run(ctx, args)
	if err != nil {
		if isNotFound(err) {
			return &Error{Message: "Error: Command not found: mutagen"}
		}
		return &Error{Message: "Error: Could not run command 'mutagen " + strings.Join(args, " ") + "': " + err.Error()}
	}
	if exitCode != 0 {
		details := strings.TrimSpace(stderr)
		if details == "" {
			details = strings.TrimSpace(stdout)
		}
		msg := "Error: Command failed (exit " + itoa(exitCode) + "): mutagen " + strings.Join(args, " ")
		if details != "" {
			msg += "\n" + details
		}
		return &Error{Message: msg}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// EnsureVMSessions terminates any existing same-named sessions, creates a new
// two-way-resolved, labeled session per spec, and issues a single labeled
// flush as an initial synchronization barrier.
func EnsureVMSessions(ctx context.Context, tool Tool, vmName, alias string, specs []SessionSpec) error {
	if !tool.Available() {
		return &Error{Message: "Error: Command not found: mutagen"}
	}

	var any bool
	for _, spec := range specs {
		name := sessionName(vmName, spec.Kind)
		any = true
		_, _, _, _ = tool.Run(ctx, []string{"sync", "terminate", name})

		args := []string{
			"sync", "create",
			"--name", name,
			"--mode", "two-way-resolved",
			"--label", vmLabel(vmName),
			"--label", "clawbox.managed=true",
			"--label", "clawbox.kind=" + spec.Kind,
		}
		if spec.IgnoreVCS {
			args = append(args, "--ignore-vcs")
		}
		for _, ignored := range spec.IgnoredPaths {
			args = append(args, "--ignore", ignored)
		}
		args = append(args, spec.HostPath, alias+":"+spec.GuestPath)
		if err := runChecked(ctx, tool, args); err != nil {
			return err
		}
	}
	if any {
		if err := runChecked(ctx, tool, []string{"sync", "flush", "--label-selector", vmLabel(vmName)}); err != nil {
			return err
		}
	}
	return nil
}

// VMSessionsExist reports whether vmName has any sessions known to the sync
// tool, via a label-selector listing.
func VMSessionsExist(ctx context.Context, tool Tool, vmName string) bool {
	if !tool.Available() {
		return false
	}
	_, stdout, _, _ := tool.Run(ctx, []string{
		"sync", "list",
		"--label-selector", vmLabel(vmName),
		"--template", `{{range .}}{{.Identifier}}{{"\n"}}{{end}}`,
	})
	return strings.TrimSpace(stdout) != ""
}

// VMSessionsStatus returns a textual diagnostic summary for vmName's
// sessions, scoped by label selector.
func VMSessionsStatus(ctx context.Context, tool Tool, vmName string) string {
	if !tool.Available() {
		return "mutagen not available"
	}
	_, stdout, stderr, _ := tool.Run(ctx, []string{"sync", "list", "-l", "--label-selector", vmLabel(vmName)})
	if out := strings.TrimSpace(stdout); out != "" {
		return out
	}
	return strings.TrimSpace(stderr)
}

// TerminateVMSessions best-effort flushes (if requested) then terminates
// every session labeled for vmName. Safe when the sync tool is absent.
func TerminateVMSessions(ctx context.Context, tool Tool, vmName string, flush bool) {
	if !tool.Available() {
		return
	}
	selector := vmLabel(vmName)
	if flush {
		_, _, _, _ = tool.Run(ctx, []string{"sync", "flush", "--label-selector", selector})
	}
	_, _, _, _ = tool.Run(ctx, []string{"sync", "terminate", "--label-selector", selector})
}

func activeVMsRegistryPath(stateDir string) string {
	return filepath.Join(stateDir, "mutagen", "active_vms.json")
}

type activeVMsDoc struct {
	VMs []string `json:"vms"`
}

func readActiveVMs(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc activeVMsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(doc.VMs))
	var clean []string
	for _, vm := range doc.VMs {
		if vm == "" {
			continue
		}
		if _, ok := seen[vm]; ok {
			continue
		}
		seen[vm] = struct{}{}
		clean = append(clean, vm)
	}
	sort.Strings(clean)
	return clean
}

func writeActiveVMs(path string, vms []string) error {
	seen := make(map[string]struct{}, len(vms))
	var clean []string
	for _, vm := range vms {
		if vm == "" {
			continue
		}
		if _, ok := seen[vm]; ok {
			continue
		}
		seen[vm] = struct{}{}
		clean = append(clean, vm)
	}
	sort.Strings(clean)
	if clean == nil {
		clean = []string{}
	}
	encoded, err := json.Marshal(activeVMsDoc{VMs: clean})
	if err != nil {
		return err
	}
	return atomicWriteText(path, string(encoded)+"\n")
}

// MarkVMActive adds vmName to the active-VM registry.
func MarkVMActive(stateDir, vmName string) error {
	path := activeVMsRegistryPath(stateDir)
	vms := readActiveVMs(path)
	vms = append(vms, vmName)
	return writeActiveVMs(path, vms)
}

// ClearVMActive removes vmName from the active-VM registry.
func ClearVMActive(stateDir, vmName string) error {
	path := activeVMsRegistryPath(stateDir)
	var kept []string
	for _, vm := range readActiveVMs(path) {
		if vm != vmName {
			kept = append(kept, vm)
		}
	}
	return writeActiveVMs(path, kept)
}

// ActiveVMs returns the sorted, deduplicated set of VM names known to have
// sync sessions.
func ActiveVMs(stateDir string) []string {
	return readActiveVMs(activeVMsRegistryPath(stateDir))
}

// TeardownVMSync terminates vmName's sessions, clears it from the active-VM
// registry, and removes its SSH alias block.
func TeardownVMSync(ctx context.Context, tool Tool, sshDir, stateDir, vmName string, flush bool) error {
	TerminateVMSessions(ctx, tool, vmName, flush)
	if err := ClearVMActive(stateDir, vmName); err != nil {
		return err
	}
	return RemoveMutagenSSHAlias(sshDir, vmName)
}

// ReconcileVMSync iterates the active-VM registry and tears down sessions
// (without flush) for any VM the backend reports as not running.
func ReconcileVMSync(ctx context.Context, tool Tool, be backend.Backend, sshDir, stateDir string) error {
	for _, vmName := range ActiveVMs(stateDir) {
		running, err := be.Running(ctx, vmName)
		if err != nil {
			continue
		}
		if !running {
			if err := TeardownVMSync(ctx, tool, sshDir, stateDir, vmName, false); err != nil {
				return err
			}
		}
	}
	return nil
}
