// Package image is a thin adapter around the external image-builder tool
// ("packer"). It is not part of the orchestration engine; the CLI hands off
// to it for the `image {init|build|rebuild}` subcommands.
package image

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
)

// Error is raised when the packer binary is missing or exits nonzero.
type Error struct{ Message string }

func (e *Error) Error() string { return e.Message }

const templateRelPath = "packer/macos-base.pkr.hcl"

func templatePath(dataRoot string) string {
	return filepath.Join(dataRoot, templateRelPath)
}

func ensureTemplate(dataRoot string) (string, error) {
	full := templatePath(dataRoot)
	if _, err := os.Stat(full); err != nil {
		return "", &Error{Message: "Error: Packer template not found: " + full}
	}
	rel, err := filepath.Rel(dataRoot, full)
	if err != nil {
		return full, nil
	}
	return rel, nil
}

func run(ctx context.Context, dataRoot string, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dataRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &Error{Message: "Error: Command not found: " + args[0]}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Error{Message: "Error: Command failed with exit code " + itoa(exitErr.ExitCode()) + ": " + joinArgs(args)}
		}
		return &Error{Message: "Error: Command not found: " + args[0]}
	}
	return nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
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

// Init runs "packer init <template>" against the base-image template under
// dataRoot.
func Init(ctx context.Context, dataRoot string) error {
	templateArg, err := ensureTemplate(dataRoot)
	if err != nil {
		return err
	}
	return run(ctx, dataRoot, []string{"packer", "init", templateArg})
}

// Build runs "packer build [-force] <template>" against the base-image
// template, running Init first unless skipInit is set.
func Build(ctx context.Context, dataRoot string, skipInit, force bool) error {
	templateArg, err := ensureTemplate(dataRoot)
	if err != nil {
		return err
	}
	if !skipInit {
		if err := Init(ctx, dataRoot); err != nil {
			return err
		}
	}
	args := []string{"packer", "build"}
	if force {
		args = append(args, "-force")
	}
	args = append(args, templateArg)
	return run(ctx, dataRoot, args)
}
