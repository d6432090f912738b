package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joshavant/clawbox/internal/marker"
	"github.com/joshavant/clawbox/internal/model"
	"github.com/joshavant/clawbox/internal/probe"
	"github.com/joshavant/clawbox/internal/syncctl"
)

// VMStatus is one VM's rendered status: existence, running state, marker
// presence/contents, resolved IP, and (developer profile only) sync-path
// probe results and mutagen session diagnostics.
type VMStatus struct {
	VMName       string            `json:"vm_name"`
	Exists       bool              `json:"exists"`
	Running      bool              `json:"running"`
	Marker       *marker.Marker    `json:"marker,omitempty"`
	IP           string            `json:"ip,omitempty"`
	SyncPaths    map[string]string `json:"sync_paths,omitempty"`
	SyncSessions string            `json:"sync_sessions,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// StatusEnvelope is the structured JSON envelope `status --json` emits.
type StatusEnvelope struct {
	VMs []VMStatus `json:"vms"`
}

// Status reports one VM's status (n != nil) or enumerates every candidate VM
// for this deployment's base name (n == nil).
func (o *Orchestrator) Status(ctx context.Context, n *int, asJSON bool) (string, error) {
	var numbers []int
	if n != nil {
		numbers = []int{*n}
	} else {
		var err error
		numbers, err = o.candidateVMNumbers(ctx)
		if err != nil {
			return "", err
		}
	}

	statuses := make([]VMStatus, 0, len(numbers))
	for _, num := range numbers {
		statuses = append(statuses, o.vmStatus(ctx, num))
	}

	if asJSON {
		envelope := StatusEnvelope{VMs: statuses}
		encoded, err := json.MarshalIndent(envelope, "", "  ")
		if err != nil {
			return "", userErr("Error: Could not render status as JSON: %s", err.Error())
		}
		return string(encoded), nil
	}
	return renderStatusText(statuses), nil
}

// candidateVMNumbers enumerates every VM number this deployment's base name
// either currently has a backend record for, or has a leftover provision
// marker for, sorted ascending. A VM can be deleted out from under its
// marker, so both sources count.
func (o *Orchestrator) candidateVMNumbers(ctx context.Context) ([]int, error) {
	seen := make(map[int]bool)

	records, err := o.backend.List(ctx)
	if err != nil {
		return nil, userErr("Error: %s", err.Error())
	}
	prefix := o.cfg.VMBaseName + "-"
	for _, r := range records {
		if n, ok := parseVMNumber(r.Name, prefix); ok {
			seen[n] = true
		}
	}

	entries, err := os.ReadDir(o.cfg.StateDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if !strings.HasSuffix(name, ".provisioned") {
				continue
			}
			vmName := strings.TrimSuffix(name, ".provisioned")
			if n, ok := parseVMNumber(vmName, prefix); ok {
				seen[n] = true
			}
		}
	}

	numbers := make([]int, 0, len(seen))
	for n := range seen {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	if len(numbers) == 0 {
		numbers = []int{1}
	}
	return numbers, nil
}

func parseVMNumber(vmName, prefix string) (int, bool) {
	if !strings.HasPrefix(vmName, prefix) {
		return 0, false
	}
	suffix := strings.TrimPrefix(vmName, prefix)
	n := 0
	if suffix == "" {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func (o *Orchestrator) vmStatus(ctx context.Context, n int) VMStatus {
	vmName := o.vmName(n)
	st := VMStatus{VMName: vmName}

	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Exists = exists
	if !exists {
		return st
	}

	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Running = running

	m, err := o.markers.Load(vmName)
	if err == nil {
		st.Marker = m
	}

	if running {
		if ip, ok, err := o.backend.IP(ctx, vmName); err == nil && ok {
			st.IP = ip
		}
	}

	if running && st.IP != "" && m != nil && m.Profile == model.ProfileDeveloper {
		st.SyncPaths = o.probeDeveloperSyncPaths(ctx, vmName, st.IP, m)
		if syncctl.VMSessionsExist(ctx, o.sync.Tool, vmName) {
			st.SyncSessions = syncctl.VMSessionsStatus(ctx, o.sync.Tool, vmName)
		}
	}

	return st
}

func (o *Orchestrator) probeDeveloperSyncPaths(ctx context.Context, vmName, ip string, m *marker.Marker) map[string]string {
	mountPaths := []string{o.cfg.OpenclawSourceMount, o.cfg.OpenclawPayloadMount}
	if m.SignalCLI && m.SignalPayload {
		mountPaths = append(mountPaths, o.cfg.SignalCLIPayloadMount)
	}
	shellOpts := o.shell.options(o.cfg.BootstrapAdminUser, o.cfg.BootstrapAdminPassword, probe.SingleHostInventory(ip), false)
	mountCmd := probe.BuildMountStatusCommand(mountPaths)
	exitCode, statuses, _ := probe.Probe(ctx, o.shell.Runner, ip, mountCmd, mountPaths, shellOpts)
	if exitCode != 0 {
		unknown := make(map[string]string, len(mountPaths))
		for _, p := range mountPaths {
			unknown[p] = probe.StatusUnknown
		}
		return unknown
	}
	return statuses
}

// renderStatusText renders the human-readable multi-VM status listing.
func renderStatusText(statuses []VMStatus) string {
	var b strings.Builder
	for i, st := range statuses {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s:\n", st.VMName)
		if st.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", st.Error)
			continue
		}
		fmt.Fprintf(&b, "  exists: %s\n", boolLower(st.Exists))
		if !st.Exists {
			continue
		}
		fmt.Fprintf(&b, "  running: %s\n", boolLower(st.Running))
		if st.Marker == nil {
			b.WriteString("  provisioned: false\n")
		} else {
			b.WriteString("  provisioned: true\n")
			fmt.Fprintf(&b, "    profile: %s\n", st.Marker.Profile)
			fmt.Fprintf(&b, "    playwright: %s\n", boolLower(st.Marker.Playwright))
			fmt.Fprintf(&b, "    tailscale: %s\n", boolLower(st.Marker.Tailscale))
			fmt.Fprintf(&b, "    signal_cli: %s\n", boolLower(st.Marker.SignalCLI))
			fmt.Fprintf(&b, "    signal_payload: %s\n", boolLower(st.Marker.SignalPayload))
			fmt.Fprintf(&b, "    provisioned_at: %s\n", st.Marker.ProvisionedAt)
		}
		if st.IP != "" {
			fmt.Fprintf(&b, "  ip: %s\n", st.IP)
		}
		if len(st.SyncPaths) > 0 {
			b.WriteString("  sync paths:\n")
			paths := make([]string, 0, len(st.SyncPaths))
			for p := range st.SyncPaths {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				fmt.Fprintf(&b, "    - %s: %s\n", p, st.SyncPaths[p])
			}
		}
		if st.SyncSessions != "" {
			fmt.Fprintf(&b, "  sync sessions:\n%s\n", indent(st.SyncSessions, "    "))
		}
	}
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

