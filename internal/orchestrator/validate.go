package orchestrator

import (
	"os"
	"sort"
	"strings"

	"github.com/joshavant/clawbox/internal/model"
)

// validateProfile rejects anything but "standard" or "developer".
func validateProfile(profile string) error {
	if !model.ValidProfile(profile) {
		return userErr("Error: --profile must be 'standard' or 'developer'")
	}
	return nil
}

// validateProfileMountArgs enforces that developer-only mount flags are
// present for developer profile and absent for standard profile.
func validateProfileMountArgs(profile, openclawSource, openclawPayload, signalPayload string) error {
	if profile == model.ProfileDeveloper {
		if openclawSource == "" || openclawPayload == "" {
			return userErr("Error: Developer profile requires --openclaw-source and --openclaw-payload.")
		}
		return nil
	}
	if openclawSource != "" || openclawPayload != "" {
		return userErr("Error: --openclaw-source/--openclaw-payload are only valid in developer mode.")
	}
	if signalPayload != "" {
		return userErr("Error: --signal-cli-payload is only valid in developer mode.")
	}
	return nil
}

// featureFlags is the set of optional-service enable bits an operation was
// asked to apply, independent of whether the caller is up (which
// derives enableSignalPayload from a raw path) or provision (which carries it
// explicitly).
type featureFlags struct {
	Playwright          bool
	Tailscale           bool
	SignalCLI           bool
	EnableSignalPayload bool
	SignalPayloadPath   string
}

func (f featureFlags) enabledKeys() map[string]bool {
	return map[string]bool{
		model.ServicePlaywright: f.Playwright,
		model.ServiceTailscale:  f.Tailscale,
		model.ServiceSignalCLI:  f.SignalCLI,
	}
}

// validateFeatureFlags enforces the optional-service gating rules: each
// service must be allowed for the requested profile, and signal-payload mode
// requires both the developer profile and signal-cli provisioning.
func validateFeatureFlags(profile string, f featureFlags) error {
	unsupported := model.UnsupportedOptionalServices(profile, f.enabledKeys())
	if len(unsupported) > 0 {
		names := make([]string, 0, len(unsupported))
		profiles := make(map[string]bool)
		for _, spec := range unsupported {
			names = append(names, spec.DisplayName)
			for p, allowed := range spec.AllowedProfiles {
				if allowed {
					profiles[p] = true
				}
			}
		}
		allowedList := make([]string, 0, len(profiles))
		for p := range profiles {
			allowedList = append(allowedList, p)
		}
		sort.Strings(allowedList)
		return userErr(
			"Error: %s provisioning is not supported for profile '%s'.\nSupported profiles: %s",
			strings.Join(names, ", "), profile, strings.Join(allowedList, ", "),
		)
	}

	if f.EnableSignalPayload && profile != model.ProfileDeveloper {
		return userErr("Error: signal-cli payload mode is only valid in developer mode.\n" +
			"Standard mode supports signal-cli provisioning only (no custom payload mounts).")
	}

	if f.EnableSignalPayload && !f.SignalCLI {
		payloadFlag := "--enable-signal-payload"
		if f.SignalPayloadPath != "" {
			payloadFlag = "--signal-cli-payload"
		}
		return userErr(
			"Error: %s requires --add-signal-cli-provisioning.\nEnable signal-cli provisioning explicitly when using payload mode.",
			payloadFlag,
		)
	}

	return nil
}

// validateDirs requires every non-empty path in paths to exist as a
// directory.
func validateDirs(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return userErr("Error: Expected directory does not exist: %s", path)
		}
	}
	return nil
}
