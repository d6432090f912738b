package model

// OptionalServiceSpec describes one optional provisioning service a VM may
// enable.
type OptionalServiceSpec struct {
	Key             string
	DisplayName     string
	CLIFlag         string
	AllowedProfiles map[string]bool
}

// Optional service keys.
const (
	ServicePlaywright = "playwright"
	ServiceTailscale  = "tailscale"
	ServiceSignalCLI  = "signal_cli"
)

// SignalPayloadCapability is valid only when the profile is developer AND
// signal_cli is enabled; it has no CLI flag of its own in launch/up (it is
// requested via --enable-signal-payload at provision time) but participates
// in the provision marker like any other tracked field.
const SignalPayloadCapability = "signal_payload"

var bothProfiles = map[string]bool{ProfileStandard: true, ProfileDeveloper: true}

// OptionalServices is the fixed set of optional services Clawbox understands.
var OptionalServices = []OptionalServiceSpec{
	{
		Key:             ServicePlaywright,
		DisplayName:     "Playwright",
		CLIFlag:         "--add-playwright-provisioning",
		AllowedProfiles: bothProfiles,
	},
	{
		Key:             ServiceTailscale,
		DisplayName:     "Tailscale",
		CLIFlag:         "--add-tailscale-provisioning",
		AllowedProfiles: bothProfiles,
	},
	{
		Key:             ServiceSignalCLI,
		DisplayName:     "signal-cli",
		CLIFlag:         "--add-signal-cli-provisioning",
		AllowedProfiles: bothProfiles,
	},
}

// OptionalServiceByKey indexes OptionalServices by key for fast lookup.
var OptionalServiceByKey = func() map[string]OptionalServiceSpec {
	m := make(map[string]OptionalServiceSpec, len(OptionalServices))
	for _, s := range OptionalServices {
		m[s.Key] = s
	}
	return m
}()

// UnsupportedOptionalServices returns, in key order, the optional services in
// enabledKeys that are not allowed for profile.
func UnsupportedOptionalServices(profile string, enabledKeys map[string]bool) []OptionalServiceSpec {
	var unsupported []OptionalServiceSpec
	for _, spec := range OptionalServices {
		if !enabledKeys[spec.Key] {
			continue
		}
		if !spec.AllowedProfiles[profile] {
			unsupported = append(unsupported, spec)
		}
	}
	return unsupported
}
