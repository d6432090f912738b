package syncctl

import (
	"context"
	"strings"

	"github.com/joshavant/clawbox/internal/probe"
)

// InstallGuestKey appends publicKey to the guest user's
// ~/.ssh/authorized_keys, idempotently: the append only runs if an identical
// line is not already present.
func InstallGuestKey(ctx context.Context, runner probe.Runner, target string, opts probe.ShellOptions, publicKey string) error {
	quoted := shellQuote(publicKey)
	cmd := "mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && " +
		"grep -qxF -- " + quoted + " ~/.ssh/authorized_keys || printf '%s\\n' " + quoted + " >> ~/.ssh/authorized_keys; " +
		"chmod 600 ~/.ssh/authorized_keys"

	exitCode, stdout, stderr, err := runner.RunShell(ctx, target, cmd, opts)
	if err != nil {
		return &Error{Message: "Error: Could not install guest SSH key: " + err.Error()}
	}
	if exitCode != 0 {
		details := strings.TrimSpace(stderr)
		if details == "" {
			details = strings.TrimSpace(stdout)
		}
		msg := "Error: Guest SSH key installation failed."
		if details != "" {
			msg += "\n" + details
		}
		return &Error{Message: msg}
	}
	return nil
}

// PrepareGuestDirectories removes any symlink at each session spec's guest
// path, recreates it as a directory, and opens its permissions for the sync
// tool to write through.
func PrepareGuestDirectories(ctx context.Context, runner probe.Runner, target string, opts probe.ShellOptions, specs []SessionSpec) error {
	if len(specs) == 0 {
		return nil
	}
	clauses := make([]string, 0, len(specs))
	for _, spec := range specs {
		quoted := shellQuote(spec.GuestPath)
		clauses = append(clauses, "if [ -L "+quoted+" ]; then rm -f "+quoted+"; fi; "+
			"mkdir -p "+quoted+"; chmod -R a+rwX "+quoted)
	}
	cmd := strings.Join(clauses, "; ")

	exitCode, stdout, stderr, err := runner.RunShell(ctx, target, cmd, opts)
	if err != nil {
		return &Error{Message: "Error: Could not prepare guest directories: " + err.Error()}
	}
	if exitCode != 0 {
		details := strings.TrimSpace(stderr)
		if details == "" {
			details = strings.TrimSpace(stdout)
		}
		msg := "Error: Guest directory preparation failed."
		if details != "" {
			msg += "\n" + details
		}
		return &Error{Message: msg}
	}
	return nil
}

// shellQuote produces a POSIX single-quoted token safe to embed in a shell
// command.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '_' || r == '-' || r == '.' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
