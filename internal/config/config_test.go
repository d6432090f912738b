package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envLogLevel, "")
	t.Setenv("CLAWBOX_DATA_DIR", "")
	t.Setenv("CLAWBOX_STATE_DIR", "")
	t.Setenv("CLAWBOX_SECRETS_FILE", "")

	cfg := Load(dir)

	if cfg.VMBaseName != defaultVMBaseName {
		t.Errorf("VMBaseName = %q, want %q", cfg.VMBaseName, defaultVMBaseName)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.AnsibleConnectTimeoutSeconds != defaultAnsibleConnectTimeout {
		t.Errorf("AnsibleConnectTimeoutSeconds = %d, want %d", cfg.AnsibleConnectTimeoutSeconds, defaultAnsibleConnectTimeout)
	}
	if cfg.SyncEventLogMaxBytes != defaultSyncEventLogMaxBytes {
		t.Errorf("SyncEventLogMaxBytes = %d, want %d", cfg.SyncEventLogMaxBytes, defaultSyncEventLogMaxBytes)
	}
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envVMBaseName, "fleet")
	t.Setenv(envAnsibleConnectTimeout, "15")
	t.Setenv(envSyncEventLogMaxBytes, "1024")

	cfg := Load(dir)

	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.VMBaseName != "fleet" {
		t.Errorf("VMBaseName = %q, want %q", cfg.VMBaseName, "fleet")
	}
	if cfg.AnsibleConnectTimeoutSeconds != 15 {
		t.Errorf("AnsibleConnectTimeoutSeconds = %d, want 15", cfg.AnsibleConnectTimeoutSeconds)
	}
	if cfg.SyncEventLogMaxBytes != 1024 {
		t.Errorf("SyncEventLogMaxBytes = %d, want 1024", cfg.SyncEventLogMaxBytes)
	}
}

func TestLoadRejectsInvalidBaseNameFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envVMBaseName, "claw box!")

	cfg := Load(dir)

	if cfg.VMBaseName != defaultVMBaseName {
		t.Errorf("VMBaseName = %q, want fallback to %q", cfg.VMBaseName, defaultVMBaseName)
	}
}

func TestLoadToleratesMalformedTimeout(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envAnsibleCommandTimeout, "not-a-number")

	cfg := Load(dir)

	if cfg.AnsibleCommandTimeoutSeconds != defaultAnsibleCommandTimeout {
		t.Errorf("AnsibleCommandTimeoutSeconds = %d, want default %d", cfg.AnsibleCommandTimeoutSeconds, defaultAnsibleCommandTimeout)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
}

func TestLoadGroupVarsOverlay(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "ansible", "playbooks"))
	mustMkdirAll(t, filepath.Join(dir, "packer"))
	mustWriteFile(t, filepath.Join(dir, "ansible", "playbooks", "provision.yml"), "# noop\n")
	mustWriteFile(t, filepath.Join(dir, "packer", "macos-base.pkr.hcl"), "# noop\n")
	mustMkdirAll(t, filepath.Join(dir, "ansible", "group_vars"))
	mustWriteFile(t, filepath.Join(dir, "ansible", "group_vars", "all.yml"), "vm_base_name: fleet\nbootstrap_admin_user: root\n")

	cfg := Load(dir)

	if cfg.VMBaseName != "fleet" {
		t.Errorf("VMBaseName = %q, want %q", cfg.VMBaseName, "fleet")
	}
	if cfg.BootstrapAdminUser != "root" {
		t.Errorf("BootstrapAdminUser = %q, want %q", cfg.BootstrapAdminUser, "root")
	}
}

func TestLoadGroupVarsRejectsInvalidBaseName(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "ansible", "playbooks"))
	mustMkdirAll(t, filepath.Join(dir, "packer"))
	mustWriteFile(t, filepath.Join(dir, "ansible", "playbooks", "provision.yml"), "# noop\n")
	mustWriteFile(t, filepath.Join(dir, "packer", "macos-base.pkr.hcl"), "# noop\n")
	mustMkdirAll(t, filepath.Join(dir, "ansible", "group_vars"))
	mustWriteFile(t, filepath.Join(dir, "ansible", "group_vars", "all.yml"), "vm_base_name: \"-bad name\"\n")

	cfg := Load(dir)

	if cfg.VMBaseName != defaultVMBaseName {
		t.Errorf("VMBaseName = %q, want fallback to %q", cfg.VMBaseName, defaultVMBaseName)
	}
}

func TestWriteDefaultSecretsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yml")

	if err := WriteDefaultSecretsFile(path); err != nil {
		t.Fatalf("WriteDefaultSecretsFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected secrets file to be created: %v", err)
	}

	// Second call must not clobber an existing file.
	if err := os.WriteFile(path, []byte("custom: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefaultSecretsFile(path); err != nil {
		t.Fatalf("WriteDefaultSecretsFile (existing): %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "custom: true\n" {
		t.Errorf("existing secrets file was overwritten: %q", content)
	}
}

func mustMkdirAll(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
