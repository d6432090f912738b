package syncctl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureMutagenSSHAliasIsIdempotent(t *testing.T) {
	sshDir := t.TempDir()

	alias1, err := EnsureMutagenSSHAlias(sshDir, "clawbox-1", "10.0.0.5", "admin", "/state/mutagen/keys/clawbox-1/id_ed25519")
	if err != nil {
		t.Fatalf("first EnsureMutagenSSHAlias: %v", err)
	}
	managed := filepath.Join(sshDir, "clawbox_mutagen_config")
	first, err := os.ReadFile(managed)
	if err != nil {
		t.Fatalf("read managed config: %v", err)
	}

	alias2, err := EnsureMutagenSSHAlias(sshDir, "clawbox-1", "10.0.0.5", "admin", "/state/mutagen/keys/clawbox-1/id_ed25519")
	if err != nil {
		t.Fatalf("second EnsureMutagenSSHAlias: %v", err)
	}
	second, err := os.ReadFile(managed)
	if err != nil {
		t.Fatalf("read managed config after second call: %v", err)
	}

	if alias1 != alias2 {
		t.Errorf("expected stable alias name, got %q then %q", alias1, alias2)
	}
	if string(first) != string(second) {
		t.Errorf("expected idempotent upsert to leave content unchanged\nfirst:\n%s\nsecond:\n%s", first, second)
	}

	mainConfig, err := os.ReadFile(filepath.Join(sshDir, "config"))
	if err != nil {
		t.Fatalf("read main config: %v", err)
	}
	if strings.Count(string(mainConfig), mutagenSSHConfigInclude) != 1 {
		t.Errorf("expected exactly one Include line, got:\n%s", mainConfig)
	}
}

func TestRemoveMutagenSSHAliasRestoresPreState(t *testing.T) {
	sshDir := t.TempDir()
	managed := filepath.Join(sshDir, "clawbox_mutagen_config")
	preexisting := "Host somewhere-else\n  HostName 1.2.3.4\n"
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(managed, []byte(preexisting), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := EnsureMutagenSSHAlias(sshDir, "clawbox-2", "10.0.0.6", "admin", "/id_ed25519"); err != nil {
		t.Fatalf("EnsureMutagenSSHAlias: %v", err)
	}
	if err := RemoveMutagenSSHAlias(sshDir, "clawbox-2"); err != nil {
		t.Fatalf("RemoveMutagenSSHAlias: %v", err)
	}

	final, err := os.ReadFile(managed)
	if err != nil {
		t.Fatalf("read managed config: %v", err)
	}
	if !strings.Contains(string(final), "Host somewhere-else") {
		t.Errorf("expected unrelated content preserved, got:\n%s", final)
	}
	if strings.Contains(string(final), "clawbox-mutagen-clawbox-2") {
		t.Errorf("expected clawbox-2's block to be removed, got:\n%s", final)
	}
}

func TestMutagenSSHAliasSanitizesVMName(t *testing.T) {
	if got := MutagenSSHAlias("my.vm_name"); got != "clawbox-mutagen-my-vm-name" {
		t.Errorf("unexpected alias: %q", got)
	}
}
