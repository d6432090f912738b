// Package locks provides cross-process exclusive locks on host directories,
// keyed by canonical path and lock kind, backed by directory-creation
// atomicity. At most one lock directory exists per (kind, path) and per
// (kind, VM) at any time.
package locks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joshavant/clawbox/internal/backend"
	"github.com/joshavant/clawbox/internal/metrics"
)

// Spec is a lock kind's tagged-variant descriptor: which metadata file holds
// the locked path, what a human-readable error calls the resource, and which
// CLI flag the user would adjust to resolve a conflict.
type Spec struct {
	Kind          string
	PathField     string
	ResourceLabel string
	ArgHint       string
}

// The three fixed lock kinds Clawbox understands.
var (
	OpenclawSource = Spec{
		Kind:          "openclaw-source",
		PathField:     "source_path",
		ResourceLabel: "OpenClaw source",
		ArgHint:       "--openclaw-source",
	}
	OpenclawPayload = Spec{
		Kind:          "openclaw-payload",
		PathField:     "payload_path",
		ResourceLabel: "OpenClaw payload",
		ArgHint:       "--openclaw-payload",
	}
	SignalPayload = Spec{
		Kind:          "signal-payload",
		PathField:     "payload_path",
		ResourceLabel: "Signal payload",
		ArgHint:       "--signal-cli-payload",
	}
)

// Error is returned when a lock cannot be acquired.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Manager acquires and releases path locks under root (normally
// ~/.clawbox/locks). It holds a Registry of lock kind Specs and a Backend to
// ask whether a contending owner VM is still running.
type Manager struct {
	Root     string
	Registry *Registry
	Backend  backend.Backend
}

// NewManager builds a Manager rooted at root, pre-populated with the three
// standard lock kinds.
func NewManager(root string, be backend.Backend) *Manager {
	reg := NewRegistry()
	reg.Register(OpenclawSource)
	reg.Register(OpenclawPayload)
	reg.Register(SignalPayload)
	return &Manager{Root: root, Registry: reg, Backend: be}
}

func (m *Manager) lockRoot(spec Spec) string {
	return filepath.Join(m.Root, spec.Kind)
}

func canonicalPath(path string) (string, error) {
	expanded := path
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			expanded = home
		} else if strings.HasPrefix(path, "~/") {
			expanded = filepath.Join(home, path[2:])
		}
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet; fall back to the absolute form.
		return abs, nil
	}
	return resolved, nil
}

func lockDirFor(lockRoot, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return filepath.Join(lockRoot, hex.EncodeToString(sum[:]))
}

func hostShortName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	if i := strings.IndexByte(h, '.'); i >= 0 {
		return h[:i]
	}
	return h
}

func readText(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func atomicWriteText(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func writeMetadata(lockDir string, spec Spec, canonical, vmName string) error {
	if err := atomicWriteText(filepath.Join(lockDir, spec.PathField), canonical+"\n"); err != nil {
		return err
	}
	if err := atomicWriteText(filepath.Join(lockDir, "owner_vm"), vmName+"\n"); err != nil {
		return err
	}
	if err := atomicWriteText(filepath.Join(lockDir, "owner_host"), hostShortName()+"\n"); err != nil {
		return err
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	return atomicWriteText(filepath.Join(lockDir, "updated_at"), now+"\n")
}

func cleanupOtherLocksForVM(lockRoot, vmName, keepDir string) {
	entries, err := os.ReadDir(lockRoot)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(lockRoot, entry.Name())
		if dir == keepDir {
			continue
		}
		if readText(filepath.Join(dir, "owner_vm")) != vmName {
			continue
		}
		os.RemoveAll(dir)
	}
}

const maxAcquireAttempts = 12

// Acquire acquires spec's lock on resourcePath for vmName via mkdir. On
// EEXIST it waits briefly for an in-flight writer, refreshes its own lock,
// fails if the owner VM is still running, or reclaims an abandoned lock and
// retries.
func (m *Manager) Acquire(ctx context.Context, spec Spec, vmName, resourcePath string) error {
	canonical, err := canonicalPath(resourcePath)
	if err != nil {
		return err
	}
	lockRoot := m.lockRoot(spec)
	if err := os.MkdirAll(lockRoot, 0o755); err != nil {
		return err
	}
	lockDir := lockDirFor(lockRoot, canonical)

	var reclaimed bool
	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		mkdirErr := os.Mkdir(lockDir, 0o755)
		if mkdirErr == nil {
			if err := writeMetadata(lockDir, spec, canonical, vmName); err != nil {
				return err
			}
			cleanupOtherLocksForVM(lockRoot, vmName, lockDir)
			metrics.RecordLockAcquired("acquired", false, reclaimed)
			return nil
		}
		if !os.IsExist(mkdirErr) {
			if attempt == maxAcquireAttempts {
				break
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ownerVM := readText(filepath.Join(lockDir, "owner_vm"))
		ownerHost := readText(filepath.Join(lockDir, "owner_host"))
		ownerPath := readText(filepath.Join(lockDir, spec.PathField))

		if ownerVM == "" {
			if attempt <= 3 {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			os.RemoveAll(lockDir)
			reclaimed = true
			continue
		}

		if ownerVM == vmName {
			if err := writeMetadata(lockDir, spec, canonical, vmName); err != nil {
				return err
			}
			cleanupOtherLocksForVM(lockRoot, vmName, lockDir)
			metrics.RecordLockAcquired("acquired", false, reclaimed)
			return nil
		}

		running, _ := m.Backend.Running(ctx, ownerVM)
		if running {
			metrics.RecordLockAcquired("failed", true, reclaimed)
			displayPath := ownerPath
			if displayPath == "" {
				displayPath = canonical
			}
			return &Error{Message: fmt.Sprintf(
				"Error: %s is already in use by running VM '%s'.\n"+
					"  path: %s\n"+
					"  owner host: %s\n"+
					"Use a different %s path or run clawbox down on the owner VM first.",
				spec.ResourceLabel, ownerVM, displayPath, orUnknown(ownerHost), spec.ArgHint,
			)}
		}

		os.RemoveAll(lockDir)
		reclaimed = true
		time.Sleep(50 * time.Millisecond)
	}

	metrics.RecordLockAcquired("failed", false, reclaimed)
	return &Error{Message: fmt.Sprintf(
		"Error: Could not acquire lock for %s.\n"+
			"The lock directory was contended by concurrent operations. Retry the command.",
		spec.ResourceLabel,
	)}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// CleanupForVM scans every registered lock kind's root and removes directories
// owned by vmName.
func (m *Manager) CleanupForVM(vmName string) {
	for _, spec := range m.Registry.List() {
		lockRoot := m.lockRoot(spec)
		entries, err := os.ReadDir(lockRoot)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(lockRoot, entry.Name())
			if readText(filepath.Join(dir, "owner_vm")) == vmName {
				os.RemoveAll(dir)
			}
		}
	}
}

// LockedPathForVM reads back the canonical path vmName currently holds for
// spec, used to reactivate sync after boot without re-passing arguments.
func (m *Manager) LockedPathForVM(spec Spec, vmName string) (string, bool) {
	lockRoot := m.lockRoot(spec)
	entries, err := os.ReadDir(lockRoot)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(lockRoot, entry.Name())
		if readText(filepath.Join(dir, "owner_vm")) != vmName {
			continue
		}
		if path := readText(filepath.Join(dir, spec.PathField)); path != "" {
			return path, true
		}
	}
	return "", false
}
