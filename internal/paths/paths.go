// Package paths resolves the data root, state directory, and secrets file
// locations Clawbox reads and writes: explicit env override first, then a
// repo-local layout, then the user's home directory.
package paths

import (
	"os"
	"path/filepath"
)

const (
	DataDirEnv     = "CLAWBOX_DATA_DIR"
	StateDirEnv    = "CLAWBOX_STATE_DIR"
	SecretsFileEnv = "CLAWBOX_SECRETS_FILE"
)

// hasRequiredProjectFiles reports whether root looks like a Clawbox data root:
// it must carry the provisioning playbook and the base-image packer template.
func hasRequiredProjectFiles(root string) bool {
	playbook := filepath.Join(root, "ansible", "playbooks", "provision.yml")
	packerTemplate := filepath.Join(root, "packer", "macos-base.pkr.hcl")
	return fileExists(playbook) && fileExists(packerTemplate)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandUser(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolveDataRoot finds the Clawbox data root: an explicit env override when
// it contains the required project files, else the package install root.
func ResolveDataRoot(packageRoot string) string {
	if envRoot := os.Getenv(DataDirEnv); envRoot != "" {
		candidate := expandUser(envRoot)
		if hasRequiredProjectFiles(candidate) {
			return candidate
		}
	}
	return packageRoot
}

// preferRepoLocalPaths reports whether state/secrets should live alongside
// dataRoot (in a .clawbox subdirectory) rather than under the user's home.
func preferRepoLocalPaths(dataRoot, packageRoot string) bool {
	if dataRoot != packageRoot {
		return false
	}
	if !hasRequiredProjectFiles(packageRoot) {
		return false
	}
	return isWritable(packageRoot)
}

func isWritable(dir string) bool {
	probe := filepath.Join(dir, ".clawbox-write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// DefaultStateDir resolves the state directory: env override, else
// <dataRoot>/.clawbox/state when dataRoot is repo-local and writable, else
// ~/.clawbox/state.
func DefaultStateDir(dataRoot, packageRoot string) string {
	if override := os.Getenv(StateDirEnv); override != "" {
		return expandUser(override)
	}
	if preferRepoLocalPaths(dataRoot, packageRoot) {
		return filepath.Join(dataRoot, ".clawbox", "state")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".clawbox", "state")
}

// DefaultSecretsFile resolves the secrets file path with the same preference
// order as DefaultStateDir.
func DefaultSecretsFile(dataRoot, packageRoot string) string {
	if override := os.Getenv(SecretsFileEnv); override != "" {
		return expandUser(override)
	}
	if preferRepoLocalPaths(dataRoot, packageRoot) {
		return filepath.Join(dataRoot, "ansible", "secrets.yml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".clawbox", "secrets.yml")
}

// HomeLocksRoot returns the root of the path-lock directory tree,
// ~/.clawbox/locks, irrespective of data-root/state-dir overrides: locks
// coordinate every process on the host, so they are always keyed off the
// real user home.
func HomeLocksRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".clawbox", "locks"), nil
}

// SSHDir returns ~/.ssh.
func SSHDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh"), nil
}
