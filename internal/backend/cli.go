package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// defaultCommand is the external hypervisor CLI binary name. The adapter
// assumes only that it accepts the list/clone/stop/delete/ip/run
// subcommands.
const defaultCommand = "tart"

// CLIBackend is the production Backend: every operation shells out to the
// configured command.
type CLIBackend struct {
	// Command is the backend binary to invoke. Defaults to "tart" when empty.
	Command string
}

// NewCLIBackend builds a CLIBackend using the default command name.
func NewCLIBackend() *CLIBackend {
	return &CLIBackend{Command: defaultCommand}
}

func (c *CLIBackend) command() string {
	if c.Command == "" {
		return defaultCommand
	}
	return c.Command
}

// run executes the backend CLI and classifies the result: a missing binary
// or OS-level launch failure becomes NotFoundError/Error, and (when
// checkExit is true) a nonzero exit becomes an *Error carrying the combined,
// trimmed stdout/stderr. The exit code is always returned so callers with
// checkExit=false can still refuse output from a failed invocation.
func (c *CLIBackend) run(ctx context.Context, args []string, checkExit bool) (exitCode int, stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, c.command(), args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if checkExit {
				details := strings.TrimSpace(stderr)
				if details == "" {
					details = strings.TrimSpace(stdout)
				}
				return exitErr.ExitCode(), stdout, stderr, &Error{
					Command:  c.command() + " " + strings.Join(args, " "),
					ExitCode: exitErr.ExitCode(),
					Output:   details,
				}
			}
			return exitErr.ExitCode(), stdout, stderr, nil
		}
		if errors.Is(runErr, exec.ErrNotFound) || os.IsNotExist(runErr) {
			return -1, stdout, stderr, &NotFoundError{Command: c.command()}
		}
		return -1, stdout, stderr, &Error{Command: c.command() + " " + strings.Join(args, " "), Underlying: runErr}
	}
	return 0, stdout, stderr, nil
}

func (c *CLIBackend) listRaw(ctx context.Context) ([]map[string]any, error) {
	_, stdout, _, err := c.run(ctx, []string{"list", "--format", "json"}, true)
	if err != nil {
		return nil, err
	}
	var data []map[string]any
	if jsonErr := json.Unmarshal([]byte(stdout), &data); jsonErr != nil {
		return nil, &ProtocolError{Message: "Could not parse backend list output: " + jsonErr.Error()}
	}
	return data, nil
}

// List implements Backend.
func (c *CLIBackend) List(ctx context.Context) ([]Record, error) {
	raw, err := c.listRaw(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	for _, entry := range raw {
		name, ok := entry["Name"].(string)
		if !ok {
			continue // records with a non-string Name are skipped
		}
		running, _ := entry["Running"].(bool) // non-boolean Running -> false
		records = append(records, Record{Name: name, Running: running})
	}
	return records, nil
}

// Exists implements Backend.
func (c *CLIBackend) Exists(ctx context.Context, vmName string) (bool, error) {
	records, err := c.List(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Name == vmName {
			return true, nil
		}
	}
	return false, nil
}

// Running implements Backend.
func (c *CLIBackend) Running(ctx context.Context, vmName string) (bool, error) {
	records, err := c.List(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Name == vmName {
			return r.Running, nil
		}
	}
	return false, nil
}

// Clone implements Backend.
func (c *CLIBackend) Clone(ctx context.Context, baseImage, vmName string) error {
	_, _, _, err := c.run(ctx, []string{"clone", baseImage, vmName}, true)
	return err
}

// Stop implements Backend. Best-effort: failures are swallowed.
func (c *CLIBackend) Stop(ctx context.Context, vmName string) error {
	_, _, _, _ = c.run(ctx, []string{"stop", vmName}, false)
	return nil
}

// Delete implements Backend. Best-effort: failures are swallowed.
func (c *CLIBackend) Delete(ctx context.Context, vmName string) error {
	_, _, _, _ = c.run(ctx, []string{"delete", vmName}, false)
	return nil
}

// IP implements Backend.
func (c *CLIBackend) IP(ctx context.Context, vmName string) (string, bool, error) {
	for _, args := range [][]string{
		{"ip", "--resolver=agent", vmName},
		{"ip", vmName},
	} {
		exitCode, stdout, _, err := c.run(ctx, args, false)
		if err != nil || exitCode != 0 {
			continue
		}
		ip := strings.TrimSpace(stdout)
		if ip != "" {
			return ip, true, nil
		}
	}
	return "", false, nil
}

// RunInBackground implements Backend.
func (c *CLIBackend) RunInBackground(ctx context.Context, vmName string, runArgs []string, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, &Error{Command: c.command(), Underlying: err}
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &Error{Command: c.command(), Underlying: err}
	}
	defer logFile.Close()

	args := append([]string{"run", vmName}, runArgs...)
	cmd := exec.Command(c.command(), args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach into a new session so the child outlives this process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, &NotFoundError{Command: c.command()}
		}
		return 0, &Error{Command: c.command(), Underlying: err}
	}
	pid := cmd.Process.Pid
	// Release so the child isn't reaped as our own subprocess; the watcher
	// and subsequent invocations track it purely by PID.
	_ = cmd.Process.Release()
	return pid, nil
}
