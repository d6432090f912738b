// Package watcher manages the per-VM detached background process that polls
// VM liveness and tears down sync and locks when the VM stops.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshavant/clawbox/internal/backend"
	"github.com/joshavant/clawbox/internal/metrics"
)

// Error is returned when the watcher subprocess cannot start or its record
// cannot be written.
type Error struct{ Message string }

func (e *Error) Error() string { return e.Message }

// watchToken is the literal token a watcher's command line must contain to
// be recognized as owning a VM's watcher record.
const watchToken = "_watch-vm"

// Record is a VM's persisted watcher state.
type Record struct {
	VMName      string `json:"vm_name"`
	PID         int    `json:"pid"`
	PollSeconds int    `json:"poll_seconds"`
	StartedAt   string `json:"started_at"`
}

func watchersDir(stateDir string) string { return filepath.Join(stateDir, "watchers") }

func recordPath(stateDir, vmName string) string {
	return filepath.Join(watchersDir(stateDir), vmName+".json")
}

func logPath(stateDir, vmName string) string {
	return filepath.Join(stateDir, "logs", vmName+".watcher.log")
}

func atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func readRecord(path string) *Record {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	if r.VMName == "" || r.PID <= 0 || r.PollSeconds <= 0 {
		return nil
	}
	return &r
}

// PIDRunning reports whether pid refers to a live process, treating
// permission-denied as "still running".
func PIDRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == syscall.ESRCH {
			return false
		}
		if errno == syscall.EPERM {
			return true
		}
	}
	return false
}

func pidCommandLine(pid int) string {
	if !PIDRunning(pid) {
		return ""
	}
	out, err := exec.Command("ps", "-o", "command=", "-p", itoa(pid)).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// isWatcherPID reports whether pid's command line identifies it as the
// watcher for vmName: it must contain both the literal token "_watch-vm" and
// the VM name as separate whitespace-delimited words. A stored PID alone is never trusted;
// the PID may have been recycled by an unrelated process.
func isWatcherPID(pid int, vmName string) bool {
	cmd := pidCommandLine(pid)
	if cmd == "" {
		return false
	}
	words := strings.Fields(cmd)
	hasToken, hasName := false, false
	for _, w := range words {
		if w == watchToken {
			hasToken = true
		}
		if w == vmName {
			hasName = true
		}
	}
	return hasToken && hasName
}

func signalProcessGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
	}
	_ = syscall.Kill(pid, sig)
}

func removeRecordIfOwner(stateDir, vmName string, pid int) {
	path := recordPath(stateDir, vmName)
	record := readRecord(path)
	if record == nil {
		os.Remove(path)
		return
	}
	if record.PID == pid {
		os.Remove(path)
	}
}

// Supervisor starts, stops, and reconciles watcher processes for the
// orchestrator.
type Supervisor struct {
	StateDir   string
	Backend    backend.Backend
	SelfExe    string // path of this binary, re-invoked as "_watch-vm"
	OnTeardown func(vmName string) // tears down sync + locks when a VM stops
}

// New builds a Supervisor. selfExe is the path used to re-exec this binary
// as the watcher subprocess; onTeardown is called by Reconcile when a
// recorded VM is found no longer running.
func New(stateDir string, be backend.Backend, selfExe string, onTeardown func(string)) *Supervisor {
	return &Supervisor{StateDir: stateDir, Backend: be, SelfExe: selfExe, OnTeardown: onTeardown}
}

// Start is idempotent: if a live watcher record already owns vmName, its PID
// is returned; otherwise a stale record is cleared and a new detached child
// is spawned running "<self> _watch-vm <vmName> ...".
func (s *Supervisor) Start(vmName string, pollSeconds int) (int, error) {
	if pollSeconds <= 0 {
		return 0, &Error{Message: "watcher poll_seconds must be > 0"}
	}

	path := recordPath(s.StateDir, vmName)
	if existing := readRecord(path); existing != nil {
		if PIDRunning(existing.PID) && isWatcherPID(existing.PID, vmName) {
			return existing.PID, nil
		}
		os.Remove(path)
	}

	logFile := logPath(s.StateDir, vmName)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return 0, &Error{Message: "Error: could not create watcher log directory: " + err.Error()}
	}
	handle, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &Error{Message: "Error: could not open watcher log file: " + err.Error()}
	}
	defer handle.Close()

	cmd := exec.Command(s.SelfExe, watchToken, vmName,
		"--state-dir", s.StateDir,
		"--poll-seconds", itoa(pollSeconds))
	cmd.Stdin = nil
	cmd.Stdout = handle
	cmd.Stderr = handle
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, &Error{Message: "Error: could not find clawbox executable: " + s.SelfExe}
		}
		return 0, &Error{Message: "Error: could not launch watcher for '" + vmName + "': " + err.Error()}
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so PIDRunning does not see a zombie.
	go func() { _ = cmd.Wait() }()

	time.Sleep(150 * time.Millisecond)
	if !PIDRunning(pid) {
		tail := tailLines(logFile, 20)
		msg := "Error: watcher failed to start for '" + vmName + "'."
		if tail != "" {
			msg += "\nRecent watcher output (" + logFile + "):\n" + tail
		}
		return 0, &Error{Message: msg}
	}

	record := Record{VMName: vmName, PID: pid, PollSeconds: pollSeconds, StartedAt: timestamp()}
	if err := atomicWriteJSON(path, record); err != nil {
		return 0, &Error{Message: "Error: could not write watcher record: " + err.Error()}
	}
	return pid, nil
}

// Stop sends SIGTERM to the watcher's process group (best effort, then the
// PID), polls up to timeoutSeconds for termination, then SIGKILLs as a last
// resort. Always removes the record afterward.
func (s *Supervisor) Stop(vmName string, timeoutSeconds int) bool {
	path := recordPath(s.StateDir, vmName)
	record := readRecord(path)
	if record == nil {
		os.Remove(path)
		return false
	}

	if isWatcherPID(record.PID, vmName) {
		signalProcessGroup(record.PID, syscall.SIGTERM)
		deadline := time.Now().Add(time.Duration(maxInt(timeoutSeconds, 0)) * time.Second)
		for time.Now().Before(deadline) {
			if !PIDRunning(record.PID) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if PIDRunning(record.PID) {
			signalProcessGroup(record.PID, syscall.SIGKILL)
		}
	}
	os.Remove(path)
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reconcile fans out over every watcher record concurrently (bounded by an
// errgroup), dropping dead-PID records (cleaning locks if the VM is also
// gone) and stopping watchers whose VM is no longer running.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	dir := watchersDir(s.StateDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, entry := range entries {
		entry := entry
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		g.Go(func() error {
			s.reconcileOne(gctx, filepath.Join(dir, entry.Name()))
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) reconcileOne(ctx context.Context, path string) {
	record := readRecord(path)
	if record == nil {
		os.Remove(path)
		return
	}
	if !PIDRunning(record.PID) {
		os.Remove(path)
		metrics.RecordWatcherReconciliation("dropped_dead")
		running, err := s.Backend.Running(ctx, record.VMName)
		if err == nil && !running && s.OnTeardown != nil {
			s.OnTeardown(record.VMName)
		}
		return
	}
	running, err := s.Backend.Running(ctx, record.VMName)
	if err == nil && !running {
		s.Stop(record.VMName, 5)
		metrics.RecordWatcherReconciliation("stopped_vm_gone")
		if s.OnTeardown != nil {
			s.OnTeardown(record.VMName)
		}
		return
	}
	metrics.RecordWatcherReconciliation("ok")
}

// RunLoop is the watcher subprocess's own main body: poll the VM's Running
// every pollSeconds; on a false observation, call onStopped (which must tear
// down sync without flush and clean locks) and exit. SIGTERM/SIGINT cause a
// clean exit. Either exit path removes the watcher record if this process
// still owns it.
func RunLoop(ctx context.Context, be backend.Backend, stateDir, vmName string, pollSeconds int, shouldExit func() bool, onStopped func()) {
	defer removeRecordIfOwner(stateDir, vmName, os.Getpid())

	for !shouldExit() {
		running, err := be.Running(ctx, vmName)
		if err != nil {
			sleepOrExit(pollSeconds, shouldExit)
			continue
		}
		if !running {
			onStopped()
			return
		}
		sleepOrExit(pollSeconds, shouldExit)
	}
}

func sleepOrExit(pollSeconds int, shouldExit func() bool) {
	deadline := time.Now().Add(time.Duration(pollSeconds) * time.Second)
	for time.Now().Before(deadline) {
		if shouldExit() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

func tailLines(path string, count int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > count {
		lines = lines[len(lines)-count:]
	}
	return strings.Join(lines, "\n")
}
