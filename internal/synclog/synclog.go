// Package synclog is an append-only JSONL lifecycle log for sync session
// activation/teardown, with size-bounded rotation. Logging is best-effort:
// it never disrupts orchestration.
package synclog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/joshavant/clawbox/internal/model"
)

const (
	logFile       = "sync-events.jsonl"
	rotatedSuffix = ".1"

	// Events the orchestrator emits around sync session lifecycle.
	EventActivateStart = "activate_start"
	EventActivateOK    = "activate_ok"
	EventActivateError = "activate_error"
	EventTeardownStart = "teardown_start"
	EventTeardownOK    = "teardown_ok"
	EventTeardownError = "teardown_error"
)

// Log appends best-effort sync lifecycle events to a JSONL file under a
// state directory, rotating the file once it reaches MaxBytes.
type Log struct {
	StateDir string
	MaxBytes int64
}

// New builds a Log rooted at stateDir, rotating once the file reaches
// maxBytes.
func New(stateDir string, maxBytes int64) *Log {
	return &Log{StateDir: stateDir, MaxBytes: maxBytes}
}

func (l *Log) path() string        { return filepath.Join(l.StateDir, "logs", logFile) }
func (l *Log) rotatedPath() string { return l.path() + rotatedSuffix }

func (l *Log) maybeRotate() {
	info, err := os.Stat(l.path())
	if err != nil {
		return
	}
	if info.Size() < l.MaxBytes {
		return
	}
	os.Remove(l.rotatedPath())
	os.Rename(l.path(), l.rotatedPath())
}

// Event is one append-only record.
type Event struct {
	Timestamp string         `json:"timestamp"`
	VM        string         `json:"vm"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason"`
	Token     string         `json:"token,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Emit appends a best-effort structured sync lifecycle event. Any filesystem
// error during emission is swallowed so orchestration is never disrupted.
func (l *Log) Emit(vmName, event, actor, reason string, details map[string]any) {
	path := l.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	l.maybeRotate()

	record := Event{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		VM:        vmName,
		Event:     event,
		Actor:     actor,
		Reason:    reason,
		Token:     model.NewID(),
		Details:   details,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')

	fd, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer fd.Close()
	_, _ = fd.Write(encoded)
}
