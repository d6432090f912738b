package syncctl

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const mutagenSSHConfigInclude = "Include ~/.ssh/clawbox_mutagen_config"

var sanitizeVMNameRe = regexp.MustCompile(`[^A-Za-z0-9-]`)

func sanitizeVMName(vmName string) string {
	return sanitizeVMNameRe.ReplaceAllString(vmName, "-")
}

// MutagenSSHAlias returns the per-VM SSH Host alias the sync tool connects
// through.
func MutagenSSHAlias(vmName string) string {
	return "clawbox-mutagen-" + sanitizeVMName(vmName)
}

func readTextOrEmpty(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(raw)
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
	return os.Rename(tmpName, path)
}

// upsertNamedBlock scans path line-by-line, removes any existing region
// between beginMarker/endMarker (preserving all unrelated content
// byte-for-byte), and appends block at the end, writing atomically.
func upsertNamedBlock(path, beginMarker, endMarker, block string) error {
	existing := readTextOrEmpty(path)
	kept := stripNamedBlock(existing, beginMarker, endMarker)

	var rendered string
	if len(kept) > 0 {
		rendered = strings.Join(kept, "\n") + "\n\n"
	}
	rendered += strings.TrimRight(block, "\n") + "\n"
	return atomicWriteText(path, rendered)
}

// removeNamedBlock removes the named region from path, leaving everything
// else untouched.
func removeNamedBlock(path, beginMarker, endMarker string) error {
	existing := readTextOrEmpty(path)
	if existing == "" {
		return nil
	}
	kept := stripNamedBlock(existing, beginMarker, endMarker)
	rendered := strings.Join(kept, "\n")
	if rendered != "" {
		rendered += "\n"
	}
	return atomicWriteText(path, rendered)
}

func stripNamedBlock(existing, beginMarker, endMarker string) []string {
	lines := strings.Split(existing, "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	var kept []string
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == beginMarker {
			i++
			for i < len(lines) && strings.TrimSpace(lines[i]) != endMarker {
				i++
			}
			if i < len(lines) {
				i++
			}
			continue
		}
		kept = append(kept, lines[i])
		i++
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	return kept
}

func ensureMainSSHConfigInclude(sshDir string) error {
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return err
	}
	mainConfig := filepath.Join(sshDir, "config")
	existing := readTextOrEmpty(mainConfig)
	if strings.Contains(existing, mutagenSSHConfigInclude) {
		return nil
	}
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	return atomicWriteText(mainConfig, existing+mutagenSSHConfigInclude+"\n")
}

// EnsureMutagenSSHAlias upserts the fenced SSH config block for vmName in
// both ~/.ssh/config (an Include line) and ~/.ssh/clawbox_mutagen_config
// (the full Host stanza), returning the alias name. Idempotent: applying it
// twice yields the same file content.
func EnsureMutagenSSHAlias(sshDir, vmName, vmIP, vmUser, identityFile string) (string, error) {
	if err := ensureMainSSHConfigInclude(sshDir); err != nil {
		return "", err
	}
	alias := MutagenSSHAlias(vmName)
	begin := "# CLAWBOX MUTAGEN BEGIN " + vmName
	end := "# CLAWBOX MUTAGEN END " + vmName
	block := strings.Join([]string{
		begin,
		"Host " + alias,
		"  HostName " + vmIP,
		"  User " + vmUser,
		"  Port 22",
		"  IdentityFile " + identityFile,
		"  IdentitiesOnly yes",
		"  StrictHostKeyChecking no",
		"  UserKnownHostsFile /dev/null",
		"  LogLevel ERROR",
		end,
	}, "\n")

	managedPath := filepath.Join(sshDir, "clawbox_mutagen_config")
	if err := upsertNamedBlock(managedPath, begin, end, block); err != nil {
		return "", err
	}
	return alias, nil
}

// RemoveMutagenSSHAlias removes vmName's fenced block from the managed SSH
// config file.
func RemoveMutagenSSHAlias(sshDir, vmName string) error {
	begin := "# CLAWBOX MUTAGEN BEGIN " + vmName
	end := "# CLAWBOX MUTAGEN END " + vmName
	return removeNamedBlock(filepath.Join(sshDir, "clawbox_mutagen_config"), begin, end)
}
