// Package marker persists a typed record of each VM's last-known
// provisioning shape, used to reject a mismatched re-up: post-provision
// in-place reconfiguration is treated as unsafe.
package marker

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSyncBackend is the only sync backend token this implementation
// understands; it is what Marker.SyncBackend must equal for a developer
// profile marker to be considered compatible.
const DefaultSyncBackend = "mutagen"

// Marker is a VM's persisted provisioning record.
type Marker struct {
	VMName        string `json:"vm_name"`
	Profile       string `json:"profile"`
	Playwright    bool   `json:"playwright"`
	Tailscale     bool   `json:"tailscale"`
	SignalCLI     bool   `json:"signal_cli"`
	SignalPayload bool   `json:"signal_payload"`
	SyncBackend   string `json:"sync_backend"`
	ProvisionedAt string `json:"provisioned_at"`
}

// Path returns the marker file path for vmName under stateDir.
func Path(stateDir, vmName string) string {
	return filepath.Join(stateDir, vmName+".provisioned")
}

// FromFile reads and parses the marker at path. A missing file returns (nil,
// nil); an empty or fully-unparseable file (no lines with ":" at all) also
// returns (nil, nil). Every boolean field defaults to false and every string
// field defaults to "" when the corresponding key is absent. SyncBackend
// gets no implicit default, which is what makes a missing sync_backend field
// compare as a mismatch rather than silently matching "mutagen".
func FromFile(path string) (*Marker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	data := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		data[key] = value
	}
	if len(data) == 0 {
		return nil, nil
	}

	boolField := func(name string) bool {
		return data[name] == "true"
	}

	return &Marker{
		VMName:        data["vm_name"],
		Profile:       data["profile"],
		Playwright:    boolField("playwright"),
		Tailscale:     boolField("tailscale"),
		SignalCLI:     boolField("signal_cli"),
		SignalPayload: boolField("signal_payload"),
		SyncBackend:   data["sync_backend"],
		ProvisionedAt: data["provisioned_at"],
	}, nil
}

// Write performs a full rewrite of the marker file, never a merge.
func (m *Marker) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	lines := []string{
		"vm_name: " + m.VMName,
		"profile: " + m.Profile,
		"playwright: " + boolString(m.Playwright),
		"tailscale: " + boolString(m.Tailscale),
		"signal_cli: " + boolString(m.SignalCLI),
		"signal_payload: " + boolString(m.SignalPayload),
		"sync_backend: " + m.SyncBackend,
		"provisioned_at: " + m.ProvisionedAt,
	}
	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// CurrentUTCTimestamp formats now in the marker's ISO-8601 UTC timestamp
// format.
func CurrentUTCTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// Requested describes the option set an `up`/`provision` invocation is
// asking for, compared field-by-field against a stored Marker.
type Requested struct {
	Profile       string
	Playwright    bool
	Tailscale     bool
	SignalCLI     bool
	SignalPayload bool
}

// Compatible reports whether m fully matches req: every tracked field must
// match exactly, and for the developer profile, SyncBackend must equal
// DefaultSyncBackend. A marker recording a different profile always
// mismatches regardless of service bits.
func (m *Marker) Compatible(req Requested) bool {
	if m.Profile != req.Profile {
		return false
	}
	if m.Playwright != req.Playwright || m.Tailscale != req.Tailscale ||
		m.SignalCLI != req.SignalCLI || m.SignalPayload != req.SignalPayload {
		return false
	}
	if req.Profile == "developer" && m.SyncBackend != DefaultSyncBackend {
		return false
	}
	return true
}
