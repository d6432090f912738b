package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/joshavant/clawbox/internal/model"
)

// LoadGroupVars overlays scalars from <data_root>/ansible/group_vars/all.yml
// onto cfg. A missing, unreadable, or malformed file simply leaves defaults
// and env overrides in place.
func LoadGroupVars(cfg *Config) {
	groupVarsPath := filepath.Join(cfg.DataRoot, "ansible", "group_vars", "all.yml")
	raw, err := os.ReadFile(groupVarsPath)
	if err != nil {
		return
	}

	var scalars map[string]any
	if err := yaml.Unmarshal(raw, &scalars); err != nil {
		return
	}

	if v, ok := stringScalar(scalars, "vm_base_name"); ok && model.ValidBaseName(v) {
		cfg.VMBaseName = v
	}
	if v, ok := stringScalar(scalars, "openclaw_source_mount"); ok {
		cfg.OpenclawSourceMount = v
	}
	if v, ok := stringScalar(scalars, "openclaw_payload_mount"); ok {
		cfg.OpenclawPayloadMount = v
	}
	if v, ok := stringScalar(scalars, "signal_cli_payload_mount"); ok {
		cfg.SignalCLIPayloadMount = v
	}
	if v, ok := stringScalar(scalars, "signal_cli_payload_marker_filename"); ok {
		cfg.SignalCLIPayloadMarkerFile = v
	}
	if v, ok := stringScalar(scalars, "bootstrap_admin_user"); ok {
		cfg.BootstrapAdminUser = v
	}
	if v, ok := stringScalar(scalars, "bootstrap_admin_password"); ok {
		cfg.BootstrapAdminPassword = v
	}
}

func stringScalar(scalars map[string]any, key string) (string, bool) {
	v, ok := scalars[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// defaultVMPassword seeds a freshly created secrets file. It is the
// provisioned guest account's password, never the bootstrap admin's.
const defaultVMPassword = "clawbox"

// WriteDefaultSecretsFile writes a minimal secrets.yml skeleton if one does
// not already exist, so a first `up` can proceed without manual setup.
func WriteDefaultSecretsFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	skeleton := map[string]string{
		"vm_password": defaultVMPassword,
	}
	out, err := yaml.Marshal(skeleton)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// MissingSecretsMessage renders the user-facing hint printed when the
// secrets file does not exist.
func MissingSecretsMessage(path string) string {
	dir := filepath.Dir(path)
	return fmt.Sprintf(
		"Error: Secrets file not found: %s\n\n"+
			"Create it with:\n"+
			"  mkdir -p \"%s\"\n"+
			"  cat > \"%s\" <<'EOF_SECRETS'\n"+
			"  vm_password: \"%s\"\n"+
			"  EOF_SECRETS\n"+
			"  chmod 600 \"%s\"",
		path, dir, path, defaultVMPassword, path,
	)
}

// ReadVMPassword reads the provisioned guest account's password out of the
// secrets file. Callers surface their own user-facing error, not this
// function's raw one.
func ReadVMPassword(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var scalars map[string]any
	if err := yaml.Unmarshal(raw, &scalars); err != nil {
		return "", err
	}
	v, ok := stringScalar(scalars, "vm_password")
	if !ok {
		return "", os.ErrNotExist
	}
	return v, nil
}
