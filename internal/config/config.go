// Package config loads Clawbox's configuration from environment variables
// and the deployment's group-variables file, and builds the structured
// logger every component shares. There is no global logger; every component
// receives its *slog.Logger by construction.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joshavant/clawbox/internal/model"
	"github.com/joshavant/clawbox/internal/paths"
)

const (
	envVMBaseName = "CLAWBOX_VM_BASE_NAME"
	envLogLevel   = "CLAWBOX_LOG_LEVEL"

	envAnsibleConnectTimeout = "CLAWBOX_ANSIBLE_CONNECT_TIMEOUT_SECONDS"
	envAnsibleCommandTimeout = "CLAWBOX_ANSIBLE_COMMAND_TIMEOUT_SECONDS"
	envMutagenReadyTimeout   = "CLAWBOX_MUTAGEN_READY_TIMEOUT_SECONDS"
	envVMBootTimeout         = "VM_BOOT_TIMEOUT_SECONDS"
	envSyncEventLogMaxBytes  = "CLAWBOX_SYNC_EVENT_LOG_MAX_BYTES"

	defaultVMBaseName             = "clawbox"
	defaultAnsibleConnectTimeout  = 8
	defaultAnsibleCommandTimeout  = 30
	defaultMutagenReadyTimeout    = 60
	defaultVMBootTimeout          = 300
	defaultSyncEventLogMaxBytes   = 5 * 1024 * 1024
	defaultBootstrapAdminUser     = "admin"
	defaultBootstrapAdminPassword = "admin"
	defaultSignalMarkerFilename   = ".clawbox-signal-payload-host-marker"
)

// Config is the single explicit value threaded through every Clawbox
// component. The only true globals left are the filesystem locations under
// ~/.clawbox and the state directory, both of which are themselves
// overridable here.
type Config struct {
	DataRoot    string
	StateDir    string
	SecretsFile string

	LogLevel slog.Level

	VMBaseName string

	AnsibleConnectTimeoutSeconds int
	AnsibleCommandTimeoutSeconds int
	MutagenReadyTimeoutSeconds   int
	VMBootTimeoutSeconds         int
	SyncEventLogMaxBytes         int64

	// Configuration surface scalars, normally read from
	// <data_root>/ansible/group_vars/all.yml; overridable here for tests.
	OpenclawSourceMount        string
	OpenclawPayloadMount       string
	SignalCLIPayloadMount      string
	SignalCLIPayloadMarkerFile string
	BootstrapAdminUser         string
	BootstrapAdminPassword     string
}

// Load builds a Config from environment variables and the group-variables
// file under the resolved data root, falling back to documented defaults for
// anything missing or malformed. packageRoot is the directory the running
// binary was installed from (see internal/paths).
func Load(packageRoot string) Config {
	dataRoot := paths.ResolveDataRoot(packageRoot)
	cfg := Config{
		DataRoot:                     dataRoot,
		StateDir:                     paths.DefaultStateDir(dataRoot, packageRoot),
		SecretsFile:                  paths.DefaultSecretsFile(dataRoot, packageRoot),
		LogLevel:                     slog.LevelInfo,
		VMBaseName:                   defaultVMBaseName,
		AnsibleConnectTimeoutSeconds: defaultAnsibleConnectTimeout,
		AnsibleCommandTimeoutSeconds: defaultAnsibleCommandTimeout,
		MutagenReadyTimeoutSeconds:   defaultMutagenReadyTimeout,
		VMBootTimeoutSeconds:         defaultVMBootTimeout,
		SyncEventLogMaxBytes:         defaultSyncEventLogMaxBytes,
		SignalCLIPayloadMarkerFile:   defaultSignalMarkerFilename,
		BootstrapAdminUser:           defaultBootstrapAdminUser,
		BootstrapAdminPassword:       defaultBootstrapAdminPassword,
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	// An invalid base name silently falls back to the default: every VM name,
	// lock, and marker filename is derived from it.
	if v := os.Getenv(envVMBaseName); model.ValidBaseName(v) {
		cfg.VMBaseName = v
	}
	cfg.AnsibleConnectTimeoutSeconds = parsePositiveIntEnv(envAnsibleConnectTimeout, defaultAnsibleConnectTimeout)
	cfg.AnsibleCommandTimeoutSeconds = parsePositiveIntEnv(envAnsibleCommandTimeout, defaultAnsibleCommandTimeout)
	cfg.MutagenReadyTimeoutSeconds = parsePositiveIntEnv(envMutagenReadyTimeout, defaultMutagenReadyTimeout)
	cfg.VMBootTimeoutSeconds = parsePositiveIntEnv(envVMBootTimeout, defaultVMBootTimeout)
	cfg.SyncEventLogMaxBytes = parsePositiveInt64Env(envSyncEventLogMaxBytes, defaultSyncEventLogMaxBytes)

	LoadGroupVars(&cfg)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parsePositiveIntEnv tolerates missing or malformed values: anything that
// doesn't parse as a positive integer silently falls back to def.
func parsePositiveIntEnv(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parsePositiveInt64Env(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// NewLogger creates a structured JSON logger writing to w at the configured
// level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
