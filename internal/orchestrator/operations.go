package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joshavant/clawbox/internal/backend"
	"github.com/joshavant/clawbox/internal/config"
	"github.com/joshavant/clawbox/internal/locks"
	"github.com/joshavant/clawbox/internal/marker"
	"github.com/joshavant/clawbox/internal/metrics"
	"github.com/joshavant/clawbox/internal/model"
	"github.com/joshavant/clawbox/internal/probe"
	"github.com/joshavant/clawbox/internal/synclog"
	"github.com/joshavant/clawbox/internal/syncctl"
)

// baseImage is the VM backend image every VM is cloned from.
const baseImage = "macos-base"

// defaultWatcherPollSeconds is the watcher's liveness poll interval.
const defaultWatcherPollSeconds = 2

// LaunchOptions carries one launch invocation's arguments.
type LaunchOptions struct {
	VMNumber        int
	Profile         string
	OpenclawSource  string
	OpenclawPayload string
	SignalPayload   string
	Headless        bool
}

// ProvisionOptions carries one provision invocation's arguments.
type ProvisionOptions struct {
	VMNumber            int
	Profile             string
	EnablePlaywright    bool
	EnableTailscale     bool
	EnableSignalCLI     bool
	EnableSignalPayload bool
}

// UpOptions carries one up invocation's arguments.
type UpOptions struct {
	VMNumber         int
	Profile          string
	OpenclawSource   string
	OpenclawPayload  string
	SignalPayload    string
	EnablePlaywright bool
	EnableTailscale  bool
	EnableSignalCLI  bool
}

// Create clones a fresh VM from the base image.
func (o *Orchestrator) Create(ctx context.Context, n int) error {
	vmName := o.vmName(n)
	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}
	if exists {
		return userErr("Error: VM '%s' already exists. Delete it first with: clawbox delete %d", vmName, n)
	}

	if err := o.backend.Clone(ctx, baseImage, vmName); err != nil {
		return &UserFacingError{Message: withVirtualizationLimitHint(
			fmt.Sprintf("Error: Failed to create VM '%s' from base image '%s'.\n%s", vmName, baseImage, err),
		)}
	}
	o.logger.Info("created VM", "vm", vmName)
	return nil
}

// Launch brings a VM to the running state (if it isn't already), then
// ensures its watcher and (for developer profile) its sync sessions are
// active.
func (o *Orchestrator) Launch(ctx context.Context, opts LaunchOptions) error {
	if err := validateProfile(opts.Profile); err != nil {
		return err
	}
	if err := validateProfileMountArgs(opts.Profile, opts.OpenclawSource, opts.OpenclawPayload, opts.SignalPayload); err != nil {
		return err
	}
	vmName := o.vmName(opts.VMNumber)

	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}
	if !exists {
		return userErr("Error: VM '%s' does not exist. Create it first with: clawbox create %d", vmName, opts.VMNumber)
	}

	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}

	if opts.Profile == model.ProfileDeveloper {
		if err := validateDirs(opts.OpenclawSource, opts.OpenclawPayload, opts.SignalPayload); err != nil {
			return err
		}
		if err := o.acquireLocks(ctx, vmName, opts.OpenclawSource, opts.OpenclawPayload, opts.SignalPayload); err != nil {
			return err
		}
		if opts.SignalPayload != "" {
			if err := o.ensureSignalPayloadHostMarker(opts.SignalPayload, vmName); err != nil {
				return err
			}
		}
	}

	if running {
		o.logger.Info("VM already running", "vm", vmName)
	} else {
		var runArgs []string
		if opts.Profile == model.ProfileDeveloper {
			runArgs = append(runArgs,
				"--dir=openclaw-source:"+opts.OpenclawSource,
				"--dir=openclaw-payload:"+opts.OpenclawPayload,
			)
		}
		if opts.SignalPayload != "" {
			runArgs = append(runArgs, "--dir=signal-cli-payload:"+opts.SignalPayload)
		}
		if opts.Headless {
			runArgs = append(runArgs, "--no-graphics")
		}

		o.logger.Info("launching VM", "vm", vmName, "profile", opts.Profile, "headless", opts.Headless)

		launchLogFile := filepath.Join(o.cfg.StateDir, "logs", vmName+".launch.log")
		pid, err := o.backend.RunInBackground(ctx, vmName, runArgs, launchLogFile)
		if err != nil {
			return &UserFacingError{Message: withVirtualizationLimitHint(
				fmt.Sprintf("Error: Failed to launch VM '%s'.\n%s", vmName, err),
			)}
		}
		_ = sleepCtx(ctx, time.Second)

		if running, _ := backend.WaitForRunning(ctx, o.backend, vmName, 30*time.Second, time.Second); !running {
			msg := fmt.Sprintf("Error: '%s' did not enter running state within 30s.\ntart output log: %s", vmName, launchLogFile)
			if tail := tailLines(launchLogFile, 20); tail != "" {
				msg += "\n" + tail
			}
			return &UserFacingError{Message: withVirtualizationLimitHint(msg)}
		}
		o.logger.Info("VM started in background", "vm", vmName, "pid", pid)
	}

	if _, err := o.watcher.Start(vmName, defaultWatcherPollSeconds); err != nil {
		metrics.RecordWatcherStart("failed")
		return userErr("%s", err.Error())
	}
	metrics.RecordWatcherStart("started")

	if opts.Profile == model.ProfileDeveloper {
		specs := o.developerSessionSpecs(opts.OpenclawSource, opts.OpenclawPayload, opts.SignalPayload)
		user, password, err := o.syncCredentials(vmName)
		if err != nil {
			return err
		}
		if err := o.activateSync(ctx, vmName, specs, user, password, "launch"); err != nil {
			return err
		}
	}

	return nil
}

// Provision runs the external provisioning tool against a booted VM and, on
// success, writes a fresh provision marker. The marker write is the last
// step, so a crash mid-provision leaves a VM that Up refuses as ambiguous.
func (o *Orchestrator) Provision(ctx context.Context, opts ProvisionOptions) error {
	if err := validateProfile(opts.Profile); err != nil {
		return err
	}
	if err := validateFeatureFlags(opts.Profile, featureFlags{
		Playwright:          opts.EnablePlaywright,
		Tailscale:           opts.EnableTailscale,
		SignalCLI:           opts.EnableSignalCLI,
		EnableSignalPayload: opts.EnableSignalPayload,
	}); err != nil {
		return err
	}

	if err := o.ensureSecretsFile(false); err != nil {
		return err
	}

	vmName := o.vmName(opts.VMNumber)
	if err := o.requireVMExists(ctx, vmName, opts.VMNumber); err != nil {
		return err
	}
	if err := o.requireVMRunning(ctx, vmName, opts.VMNumber); err != nil {
		return err
	}

	bootTimeout := time.Duration(o.cfg.VMBootTimeoutSeconds) * time.Second
	o.logger.Info("provisioning VM", "vm", vmName, "profile", opts.Profile,
		"playwright", opts.EnablePlaywright, "tailscale", opts.EnableTailscale,
		"signal_cli", opts.EnableSignalCLI, "signal_payload", opts.EnableSignalPayload)

	vmIP, err := o.resolveVMIP(ctx, vmName, bootTimeout)
	if err != nil {
		return err
	}
	o.logger.Info("resolved VM IP", "vm", vmName, "ip", vmIP)
	inventoryPath := probe.SingleHostInventory(vmIP)

	if opts.Profile == model.ProfileDeveloper && opts.EnableSignalPayload {
		timeout := bootTimeout
		if timeout > 120*time.Second {
			timeout = 120 * time.Second
		}
		if err := o.preflightSignalPayloadMarker(ctx, vmName, opts.VMNumber, vmIP, inventoryPath, timeout); err != nil {
			return err
		}
	}

	if opts.Profile == model.ProfileDeveloper && !o.activatedSync[vmName] {
		specs := o.lockedDeveloperSessionSpecs(vmName)
		if len(specs) > 0 {
			if err := o.activateSync(ctx, vmName, specs, o.cfg.BootstrapAdminUser, o.cfg.BootstrapAdminPassword, "provision"); err != nil {
				return err
			}
		}
	}

	enableDevMounts := opts.Profile == model.ProfileDeveloper
	if err := o.provision.Provision(ctx, ProvisionParams{
		VMNumber:            opts.VMNumber,
		Profile:             opts.Profile,
		EnableDevMounts:     enableDevMounts,
		EnablePlaywright:    opts.EnablePlaywright,
		EnableTailscale:     opts.EnableTailscale,
		EnableSignalCLI:     opts.EnableSignalCLI,
		EnableSignalPayload: opts.EnableSignalPayload,
		InventoryPath:       inventoryPath,
		SecretsFile:         o.cfg.SecretsFile,
	}); err != nil {
		return err
	}

	m := &marker.Marker{
		VMName:        vmName,
		Profile:       opts.Profile,
		Playwright:    opts.EnablePlaywright,
		Tailscale:     opts.EnableTailscale,
		SignalCLI:     opts.EnableSignalCLI,
		SignalPayload: opts.EnableSignalPayload,
		ProvisionedAt: marker.CurrentUTCTimestamp(),
	}
	if opts.Profile == model.ProfileDeveloper {
		m.SyncBackend = marker.DefaultSyncBackend
	}
	if err := o.markers.Write(m); err != nil {
		return userErr("Error: Could not write provision marker for '%s': %s", vmName, err.Error())
	}
	o.logger.Info("provisioning completed", "vm", vmName)
	return nil
}

// Up is the composite create/launch/provision flow: create the VM if absent,
// decide whether provisioning is required, bring the VM up (headless when it
// will be provisioned), provision, relaunch with a window, and reactivate
// sync for developer VMs that were already running. On success it returns
// the terminal status line the CLI prints to stdout.
func (o *Orchestrator) Up(ctx context.Context, opts UpOptions) (string, error) {
	if err := validateProfile(opts.Profile); err != nil {
		return "", err
	}
	if err := validateProfileMountArgs(opts.Profile, opts.OpenclawSource, opts.OpenclawPayload, opts.SignalPayload); err != nil {
		return "", err
	}
	desiredSignalPayload := opts.SignalPayload != ""
	if err := validateFeatureFlags(opts.Profile, featureFlags{
		Playwright:          opts.EnablePlaywright,
		Tailscale:           opts.EnableTailscale,
		SignalCLI:           opts.EnableSignalCLI,
		EnableSignalPayload: desiredSignalPayload,
		SignalPayloadPath:   opts.SignalPayload,
	}); err != nil {
		return "", err
	}
	if err := validateDirs(opts.OpenclawSource, opts.OpenclawPayload, opts.SignalPayload); err != nil {
		return "", err
	}

	vmName := o.vmName(opts.VMNumber)

	if err := o.ensureSecretsFile(true); err != nil {
		return "", err
	}

	wasRunningAtEntry := false
	createdVM := false
	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		return "", userErr("Error: %s", err.Error())
	}
	if !exists {
		o.logger.Info("VM does not exist; creating it", "vm", vmName)
		if err := o.Create(ctx, opts.VMNumber); err != nil {
			return "", err
		}
		createdVM = true
		if exists, err = o.backend.Exists(ctx, vmName); err != nil {
			return "", userErr("Error: %s", err.Error())
		}
		if !exists {
			return "", userErr("Error: VM '%s' was not found after create completed.\nCheck backend output and verify the base image exists: %s", vmName, baseImage)
		}
	} else {
		if wasRunningAtEntry, err = o.backend.Running(ctx, vmName); err != nil {
			return "", userErr("Error: %s", err.Error())
		}
	}

	// Decide whether this run must provision.
	provisionReason, err := o.computeUpProvisionReason(opts, vmName, createdVM, desiredSignalPayload)
	if err != nil {
		return "", err
	}

	// Ensure running (headless if provisioning is required).
	launchedHeadless, err := o.ensureVMRunningForUp(ctx, vmName, opts, provisionReason)
	if err != nil {
		return "", err
	}

	// Provision if required.
	provisionRan := false
	if provisionReason != "" {
		o.logger.Info("provisioning required", "vm", vmName, "reason", provisionReason)
		if opts.Profile == model.ProfileDeveloper {
			bootTimeout := time.Duration(o.cfg.VMBootTimeoutSeconds) * time.Second
			timeout := bootTimeout
			if timeout > 120*time.Second {
				timeout = 120 * time.Second
			}
			vmIP, err := o.resolveVMIP(ctx, vmName, bootTimeout)
			if err != nil {
				return "", err
			}
			if err := o.preflightDeveloperMounts(ctx, vmName, opts.VMNumber, vmIP,
				opts.OpenclawPayload, opts.SignalPayload, desiredSignalPayload, timeout); err != nil {
				return "", err
			}
		}

		if err := o.Provision(ctx, ProvisionOptions{
			VMNumber:            opts.VMNumber,
			Profile:             opts.Profile,
			EnablePlaywright:    opts.EnablePlaywright,
			EnableTailscale:     opts.EnableTailscale,
			EnableSignalCLI:     opts.EnableSignalCLI,
			EnableSignalPayload: desiredSignalPayload,
		}); err != nil {
			return "", err
		}
		provisionRan = true

		if err := o.relaunchGUIAfterHeadlessProvision(ctx, vmName, opts, launchedHeadless); err != nil {
			return "", err
		}
	} else {
		o.logger.Info("provision marker found; skipping provisioning", "vm", vmName, "rerun_hint", o.renderRecreateCommands(opts))
	}

	// Provisioning can leave the VM stopped; make sure it is back up.
	if err := o.ensureRunningAfterProvisionIfNeeded(ctx, vmName, opts, provisionRan); err != nil {
		return "", err
	}

	// For developer profile, reactivate sync if the VM was already running
	// at entry and provisioning did not already do it.
	if opts.Profile == model.ProfileDeveloper && wasRunningAtEntry && !provisionRan {
		specs := o.lockedDeveloperSessionSpecs(vmName)
		if len(specs) == 0 {
			specs = o.developerSessionSpecs(opts.OpenclawSource, opts.OpenclawPayload, opts.SignalPayload)
		}
		user, password, err := o.syncCredentials(vmName)
		if err != nil {
			return "", err
		}
		if err := o.activateSync(ctx, vmName, specs, user, password, "up"); err != nil {
			return "", err
		}
	}

	// Terminal status.
	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		return "", userErr("Error: %s", err.Error())
	}
	if running {
		if provisionRan {
			o.logger.Info("clawbox is ready", "vm", vmName)
			return readyStatusLine(vmName), nil
		}
		o.logger.Info("clawbox is running, provisioning skipped", "vm", vmName)
		return skippedStatusLine(vmName), nil
	}

	return "", userErr("Error: VM '%s' is not running after orchestration.\nRerun:\n  %s", vmName, o.renderUpCommand(opts))
}

// Terminal status lines Up returns for the CLI to print verbatim.
func readyStatusLine(vmName string) string { return "Clawbox is ready: " + vmName }

func skippedStatusLine(vmName string) string {
	return "Clawbox is running: " + vmName + " (provisioning skipped)"
}

// Recreate performs a clean down+delete+up cycle, returning Up's terminal
// status line.
func (o *Orchestrator) Recreate(ctx context.Context, opts UpOptions) (string, error) {
	vmName := o.vmName(opts.VMNumber)
	o.logger.Info("clean recreate requested", "vm", vmName)

	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		return "", userErr("Error: %s", err.Error())
	}
	if exists {
		if err := o.Down(ctx, opts.VMNumber); err != nil {
			return "", err
		}
	}
	if err := o.Delete(ctx, opts.VMNumber); err != nil {
		return "", err
	}
	return o.Up(ctx, opts)
}

// Down stops a running VM (tearing down sync with a final flush first) or,
// for an absent VM, just cleans up leftover watcher/sync/lock state. Sync
// teardown must precede the VM stop so the flush completes while SSH is
// still alive.
func (o *Orchestrator) Down(ctx context.Context, n int) error {
	vmName := o.vmName(n)
	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}

	if !exists {
		o.stopWatcher(vmName)
		_ = o.teardownSync(ctx, vmName, false, "down")
		o.locks.CleanupForVM(vmName)
		o.logger.Info("VM does not exist", "vm", vmName)
		return nil
	}

	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}
	if running {
		o.stopWatcher(vmName)
		_ = o.teardownSync(ctx, vmName, true, "down")
		o.logger.Info("stopping VM", "vm", vmName)
		if !o.stopVMAndWait(ctx, vmName, 120*time.Second) {
			o.locks.CleanupForVM(vmName)
			return userErr("Error: Timed out waiting for VM '%s' to stop.\nTry again: clawbox down %d", vmName, n)
		}
		o.logger.Info("VM stopped", "vm", vmName)
	} else {
		o.stopWatcher(vmName)
		_ = o.teardownSync(ctx, vmName, false, "down")
		o.logger.Info("VM already stopped", "vm", vmName)
	}

	o.locks.CleanupForVM(vmName)
	return nil
}

// Delete does everything Down does, then removes the VM itself and its
// provision marker. The marker is removed only after the backend confirms
// the VM is gone.
func (o *Orchestrator) Delete(ctx context.Context, n int) error {
	vmName := o.vmName(n)
	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}

	if !exists {
		o.stopWatcher(vmName)
		_ = o.teardownSync(ctx, vmName, false, "delete")
		o.markers.Remove(vmName)
		o.locks.CleanupForVM(vmName)
		o.logger.Info("VM does not exist", "vm", vmName)
		return nil
	}

	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}
	o.stopWatcher(vmName)
	if running {
		_ = o.teardownSync(ctx, vmName, true, "delete")
		o.logger.Info("stopping VM before delete", "vm", vmName)
		if !o.stopVMAndWait(ctx, vmName, 120*time.Second) {
			return userErr("Error: Timed out waiting for VM '%s' to stop before deletion.\nTry again: clawbox delete %d", vmName, n)
		}
	} else {
		_ = o.teardownSync(ctx, vmName, false, "delete")
	}

	o.logger.Info("deleting VM", "vm", vmName)
	if err := o.backend.Delete(ctx, vmName); err != nil {
		return userErr("Error: %s", err.Error())
	}
	if !o.waitForVMAbsent(ctx, vmName, 120*time.Second) {
		return userErr("Error: VM '%s' still exists after delete attempt.\nTry again: clawbox delete %d", vmName, n)
	}

	o.markers.Remove(vmName)
	o.locks.CleanupForVM(vmName)
	o.logger.Info("deleted VM", "vm", vmName)
	return nil
}

// IP resolves and returns a running VM's guest IP.
func (o *Orchestrator) IP(ctx context.Context, n int) (string, error) {
	vmName := o.vmName(n)
	if err := o.requireVMExists(ctx, vmName, n); err != nil {
		return "", err
	}
	if err := o.requireVMRunning(ctx, vmName, n); err != nil {
		return "", err
	}
	ip, ok, err := o.backend.IP(ctx, vmName)
	if err != nil {
		return "", userErr("Error: %s", err.Error())
	}
	if !ok || ip == "" {
		return "", userErr("Error: Could not resolve IP for '%s'.\nWait for the VM to finish booting and retry.", vmName)
	}
	return ip, nil
}

// --- shared helpers ---

func (o *Orchestrator) requireVMExists(ctx context.Context, vmName string, vmNumber int) error {
	exists, err := o.backend.Exists(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}
	if exists {
		return nil
	}
	return userErr("Error: VM '%s' does not exist.\nCreate it first with: clawbox create %d", vmName, vmNumber)
}

func (o *Orchestrator) requireVMRunning(ctx context.Context, vmName string, vmNumber int) error {
	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}
	if running {
		return nil
	}
	return userErr("Error: VM '%s' is not running.\nStart it first with: clawbox launch %d", vmName, vmNumber)
}

func (o *Orchestrator) ensureSecretsFile(createIfMissing bool) error {
	if _, err := os.Stat(o.cfg.SecretsFile); err == nil {
		return nil
	}
	if !createIfMissing {
		return &UserFacingError{Message: config.MissingSecretsMessage(o.cfg.SecretsFile)}
	}
	if err := config.WriteDefaultSecretsFile(o.cfg.SecretsFile); err != nil {
		return userErr("Error: Could not write secrets file '%s': %s", o.cfg.SecretsFile, err.Error())
	}
	o.logger.Info("created secrets file", "path", o.cfg.SecretsFile)
	return nil
}

func (o *Orchestrator) acquireLocks(ctx context.Context, vmName, openclawSource, openclawPayload, signalPayload string) error {
	acquire := func(spec locks.Spec, path string) error {
		if path == "" {
			return nil
		}
		if err := o.locks.Acquire(ctx, spec, vmName, path); err != nil {
			return &UserFacingError{Message: err.Error()}
		}
		return nil
	}
	if err := acquire(locks.OpenclawSource, openclawSource); err != nil {
		return err
	}
	if err := acquire(locks.OpenclawPayload, openclawPayload); err != nil {
		return err
	}
	return acquire(locks.SignalPayload, signalPayload)
}

const signalPayloadMarkerContent = "This marker is used by Clawbox to verify signal-cli payload sync destination readiness.\nvm: %s\n"

func (o *Orchestrator) ensureSignalPayloadHostMarker(signalPayloadHost, vmName string) error {
	markerPath := filepath.Join(signalPayloadHost, o.cfg.SignalCLIPayloadMarkerFile)
	content := fmt.Sprintf(signalPayloadMarkerContent, vmName)
	if err := os.WriteFile(markerPath, []byte(content), 0o644); err != nil {
		return userErr("Error: Could not write signal payload marker file: %s\n%s", markerPath, err.Error())
	}
	return nil
}

func (o *Orchestrator) resolveVMIP(ctx context.Context, vmName string, timeout time.Duration) (string, error) {
	waited := time.Duration(0)
	for waited < timeout {
		if ip, ok, err := o.backend.IP(ctx, vmName); err == nil && ok && ip != "" {
			return ip, nil
		}
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return "", err
		}
		waited += 2 * time.Second
	}
	return "", userErr("Error: Timed out waiting for '%s' to report an IP address.\nEnsure the VM is running and fully booted, then retry.", vmName)
}

func (o *Orchestrator) stopVMAndWait(ctx context.Context, vmName string, timeout time.Duration) bool {
	_ = o.backend.Stop(ctx, vmName)
	waited := time.Duration(0)
	for waited < timeout {
		if running, err := o.backend.Running(ctx, vmName); err == nil && !running {
			return true
		}
		_ = sleepCtx(ctx, 2*time.Second)
		waited += 2 * time.Second
	}
	running, err := o.backend.Running(ctx, vmName)
	return err == nil && !running
}

func (o *Orchestrator) waitForVMAbsent(ctx context.Context, vmName string, timeout time.Duration) bool {
	waited := time.Duration(0)
	for waited < timeout {
		if exists, err := o.backend.Exists(ctx, vmName); err == nil && !exists {
			return true
		}
		_ = sleepCtx(ctx, 2*time.Second)
		waited += 2 * time.Second
	}
	exists, err := o.backend.Exists(ctx, vmName)
	return err == nil && !exists
}

func (o *Orchestrator) stopWatcher(vmName string) {
	o.watcher.Stop(vmName, 5)
	metrics.RecordWatcherStop()
}

func (o *Orchestrator) computeUpProvisionReason(opts UpOptions, vmName string, createdVM, desiredSignalPayload bool) (string, error) {
	if createdVM {
		return "VM was created in this run", nil
	}

	m, err := o.markers.Load(vmName)
	if err != nil {
		return "", userErr("Error: Could not read provision marker for '%s': %s", vmName, err.Error())
	}
	if m == nil {
		return "", &UserFacingError{Message: fmt.Sprintf(
			"Error: Provision marker is missing for existing VM '%s'.\n"+
				"In-place reprovision is unsafe after initial provisioning.\n"+
				"Recreate the VM instead:\n%s",
			vmName, o.renderRecreateCommands(opts),
		)}
	}

	req := marker.Requested{
		Profile:       opts.Profile,
		Playwright:    opts.EnablePlaywright,
		Tailscale:     opts.EnableTailscale,
		SignalCLI:     opts.EnableSignalCLI,
		SignalPayload: desiredSignalPayload,
	}
	if m.Compatible(req) {
		return "", nil
	}

	metrics.RecordProvisionMarkerMismatch()
	return "", &UserFacingError{Message: fmt.Sprintf(
		"Error: Requested options do not match this VM's existing provision marker.\n"+
			"In-place reprovision is unsafe after initial provisioning.\n"+
			"  marker file: %s\n"+
			"  marker profile/playwright/tailscale/signal_cli/signal_payload: %s/%s/%s/%s/%s\n"+
			"  requested profile/playwright/tailscale/signal_cli/signal_payload: %s/%s/%s/%s/%s\n"+
			"Recreate the VM instead:\n%s",
		marker.Path(o.cfg.StateDir, vmName),
		m.Profile, boolLower(m.Playwright), boolLower(m.Tailscale), boolLower(m.SignalCLI), boolLower(m.SignalPayload),
		opts.Profile, boolLower(opts.EnablePlaywright), boolLower(opts.EnableTailscale), boolLower(opts.EnableSignalCLI), boolLower(desiredSignalPayload),
		o.renderRecreateCommands(opts),
	)}
}

func (o *Orchestrator) ensureVMRunningForUp(ctx context.Context, vmName string, opts UpOptions, provisionReason string) (bool, error) {
	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		return false, userErr("Error: %s", err.Error())
	}
	if running {
		o.logger.Info("VM already running", "vm", vmName)
		return false, nil
	}

	o.logger.Info("VM not running; launching it", "vm", vmName)
	launchedHeadless := provisionReason != ""
	if err := o.Launch(ctx, LaunchOptions{
		VMNumber: opts.VMNumber, Profile: opts.Profile,
		OpenclawSource: opts.OpenclawSource, OpenclawPayload: opts.OpenclawPayload, SignalPayload: opts.SignalPayload,
		Headless: launchedHeadless,
	}); err != nil {
		return false, err
	}
	if running, _ := backend.WaitForRunning(ctx, o.backend, vmName, 60*time.Second, 2*time.Second); !running {
		return false, userErr("Error: VM '%s' did not transition to running state after launch.", vmName)
	}
	return launchedHeadless, nil
}

func (o *Orchestrator) relaunchGUIAfterHeadlessProvision(ctx context.Context, vmName string, opts UpOptions, launchedHeadless bool) error {
	if !launchedHeadless {
		return nil
	}
	o.logger.Info("provisioning completed; relaunching with a window", "vm", vmName)

	running, err := o.backend.Running(ctx, vmName)
	if err != nil {
		return userErr("Error: %s", err.Error())
	}
	if running {
		if !o.stopVMAndWait(ctx, vmName, 120*time.Second) {
			return userErr("Error: Timed out stopping headless VM '%s' before GUI relaunch.\nTry: clawbox down %d", vmName, opts.VMNumber)
		}
	}
	if err := o.Launch(ctx, LaunchOptions{
		VMNumber: opts.VMNumber, Profile: opts.Profile,
		OpenclawSource: opts.OpenclawSource, OpenclawPayload: opts.OpenclawPayload, SignalPayload: opts.SignalPayload,
		Headless: false,
	}); err != nil {
		return err
	}
	if running, _ := backend.WaitForRunning(ctx, o.backend, vmName, 60*time.Second, 2*time.Second); !running {
		return userErr("Error: VM '%s' did not transition to running state after GUI relaunch.\nTry: clawbox launch %d", vmName, opts.VMNumber)
	}
	return nil
}

func (o *Orchestrator) ensureRunningAfterProvisionIfNeeded(ctx context.Context, vmName string, opts UpOptions, provisionRan bool) error {
	if !provisionRan {
		return nil
	}
	if running, err := o.backend.Running(ctx, vmName); err == nil && running {
		return nil
	}
	if running, _ := backend.WaitForRunning(ctx, o.backend, vmName, 30*time.Second, 2*time.Second); !running {
		o.logger.Info("VM not running after provisioning; launching it", "vm", vmName)
		if err := o.Launch(ctx, LaunchOptions{
			VMNumber: opts.VMNumber, Profile: opts.Profile,
			OpenclawSource: opts.OpenclawSource, OpenclawPayload: opts.OpenclawPayload, SignalPayload: opts.SignalPayload,
			Headless: false,
		}); err != nil {
			return err
		}
		if running, _ := backend.WaitForRunning(ctx, o.backend, vmName, 120*time.Second, 2*time.Second); !running {
			return userErr("Error: VM '%s' did not return to running state after provisioning.\nRerun:\n  %s", vmName, o.renderUpCommand(opts))
		}
	}
	return nil
}

func (o *Orchestrator) renderUpCommand(opts UpOptions) string {
	cmd := []string{"clawbox", "up", itoa(opts.VMNumber)}
	if opts.Profile == model.ProfileDeveloper {
		cmd = append(cmd, "--developer", "--openclaw-source", opts.OpenclawSource, "--openclaw-payload", opts.OpenclawPayload)
	}
	enabledKeys := featureFlags{Playwright: opts.EnablePlaywright, Tailscale: opts.EnableTailscale, SignalCLI: opts.EnableSignalCLI}.enabledKeys()
	for _, spec := range model.OptionalServices {
		if enabledKeys[spec.Key] {
			cmd = append(cmd, spec.CLIFlag)
		}
	}
	if opts.SignalPayload != "" {
		cmd = append(cmd, "--signal-cli-payload", opts.SignalPayload)
	}
	quoted := make([]string, len(cmd))
	for i, part := range cmd {
		quoted[i] = shellQuoteLocal(part)
	}
	return strings.Join(quoted, " ")
}

func (o *Orchestrator) renderRecreateCommands(opts UpOptions) string {
	return fmt.Sprintf("  clawbox delete %d\n  %s", opts.VMNumber, o.renderUpCommand(opts))
}

func (o *Orchestrator) preflightSignalPayloadMarker(ctx context.Context, vmName string, vmNumber int, vmIP, inventoryPath string, timeout time.Duration) error {
	markerPath := o.cfg.SignalCLIPayloadMount + "/" + o.cfg.SignalCLIPayloadMarkerFile
	o.logger.Info("verifying signal-cli payload marker visibility", "vm", vmName)

	quoted := shellQuoteLocal(markerPath)
	checkCmd := "if [ -f " + quoted + " ]; then printf '%s=%s\\n' " + quoted + " ok; exit 0; " +
		"else printf '%s=%s\\n' " + quoted + " missing; exit 1; fi"

	opts := o.shell.options(o.cfg.BootstrapAdminUser, o.cfg.BootstrapAdminPassword, inventoryPath, false)
	predicate := func(exitCode int, statuses map[string]string) bool {
		return exitCode == 0 && statuses[markerPath] == probe.StatusOK
	}
	succeeded, statuses, lastErr := probe.Wait(ctx, o.shell.Runner, vmIP, checkCmd, []string{markerPath}, opts, predicate, timeout)
	if succeeded {
		o.logger.Info("signal-cli payload marker verified", "vm", vmName)
		return nil
	}

	lines := []string{
		"Error: signal-cli payload marker was not visible in the guest.",
		"This safety check prevents destructive payload seeding from an unmounted/wrong directory.",
		fmt.Sprintf("  vm: %s", vmName),
		fmt.Sprintf("  expected marker: %s", markerPath),
		fmt.Sprintf("  timeout: %ds", int(timeout.Seconds())),
		fmt.Sprintf("  last marker status: %s", orUnknownStatus(statuses[markerPath])),
	}
	if lastErr != "" {
		lines = append(lines, "  last probe output:", "    "+lastErr)
	}
	lines = append(lines,
		"Retry with a fresh launch and then provision:",
		fmt.Sprintf("  clawbox launch %d --developer --signal-cli-payload <path> ...", vmNumber),
		fmt.Sprintf("  clawbox provision %d --developer --add-signal-cli-provisioning --enable-signal-payload", vmNumber),
	)
	return &UserFacingError{Message: strings.Join(lines, "\n")}
}

func (o *Orchestrator) preflightDeveloperMounts(ctx context.Context, vmName string, vmNumber int, vmIP, openclawPayloadHost, signalPayloadHost string, includeSignalPayload bool, timeout time.Duration) error {
	mountPaths := []string{o.cfg.OpenclawSourceMount, o.cfg.OpenclawPayloadMount}
	if includeSignalPayload {
		mountPaths = append(mountPaths, o.cfg.SignalCLIPayloadMount)
	}

	o.logger.Info("verifying shared folder mounts", "vm", vmName)

	payloadProbeName := ".clawbox-mount-probe-" + model.NewID() + "-payload"
	payloadProbePath := filepath.Join(openclawPayloadHost, payloadProbeName)
	_ = os.WriteFile(payloadProbePath, []byte("probe\n"), 0o644)
	defer os.Remove(payloadProbePath)

	var signalProbeName, signalProbePath string
	if includeSignalPayload && signalPayloadHost != "" {
		signalProbeName = ".clawbox-mount-probe-" + model.NewID() + "-signal"
		signalProbePath = filepath.Join(signalPayloadHost, signalProbeName)
		_ = os.WriteFile(signalProbePath, []byte("probe\n"), 0o644)
		defer os.Remove(signalProbePath)
	}

	requiredFiles := []string{
		o.cfg.OpenclawSourceMount + "/package.json",
		o.cfg.OpenclawPayloadMount + "/" + payloadProbeName,
	}
	if includeSignalPayload {
		requiredFiles = append(requiredFiles, o.cfg.SignalCLIPayloadMount+"/"+signalProbeName)
	}

	clauses := make([]string, 0, len(requiredFiles))
	for _, p := range requiredFiles {
		q := shellQuoteLocal(p)
		clauses = append(clauses, "if [ -f "+q+" ]; then printf '%s=%s\\n' "+q+" ok; "+
			"else printf '%s=%s\\n' "+q+" missing; missing=1; fi")
	}
	checksCmd := "missing=0; " + strings.Join(clauses, "; ") + "; exit $missing"

	opts := o.shell.options(o.cfg.BootstrapAdminUser, o.cfg.BootstrapAdminPassword, probe.SingleHostInventory(vmIP), false)
	predicate := func(exitCode int, statuses map[string]string) bool {
		if exitCode != 0 {
			return false
		}
		for _, s := range statuses {
			if s != probe.StatusOK {
				return false
			}
		}
		return true
	}
	succeeded, lastChecks, lastErr := probe.Wait(ctx, o.shell.Runner, vmIP, checksCmd, requiredFiles, opts, predicate, timeout)
	if succeeded {
		o.logger.Info("shared folder mounts verified", "vm", vmName)
		return nil
	}

	lastMounts := make(map[string]string, len(mountPaths))
	for _, p := range mountPaths {
		lastMounts[p] = probe.StatusUnknown
	}
	mountCmd := probe.BuildMountStatusCommand(mountPaths)
	mountExit, mountStatuses, _ := probe.Probe(ctx, o.shell.Runner, vmIP, mountCmd, mountPaths, opts)
	if mountExit == 0 {
		lastMounts = mountStatuses
	}

	lines := []string{
		"Error: Required shared folders failed preflight checks in the guest.",
		"Clawbox requires visible shared folder content before provisioning in developer mode.",
		fmt.Sprintf("  vm: %s", vmName),
		fmt.Sprintf("  timeout: %ds", int(timeout.Seconds())),
		"  file visibility checks:",
		formatStatuses(requiredFiles, lastChecks),
		"  mount command diagnostics:",
		formatStatuses(mountPaths, lastMounts),
	}
	if lastErr != "" {
		lines = append(lines, "  last probe output:", "    "+lastErr)
	}
	lines = append(lines,
		"Rerun with a fresh VM if needed:",
		fmt.Sprintf("  clawbox delete %d", vmNumber),
		fmt.Sprintf("  clawbox up %d --developer ...", vmNumber),
	)
	return &UserFacingError{Message: strings.Join(lines, "\n")}
}

// --- sync activation/teardown ---

func (o *Orchestrator) developerSessionSpecs(openclawSource, openclawPayload, signalPayload string) []syncctl.SessionSpec {
	specs := []syncctl.SessionSpec{
		{Kind: "openclaw-source", HostPath: openclawSource, GuestPath: o.cfg.OpenclawSourceMount, IgnoreVCS: true, ReadyRequired: true},
		{Kind: "openclaw-payload", HostPath: openclawPayload, GuestPath: o.cfg.OpenclawPayloadMount, IgnoreVCS: true, ReadyRequired: true},
	}
	if signalPayload != "" {
		specs = append(specs, syncctl.SessionSpec{
			Kind: "signal-cli-payload", HostPath: signalPayload, GuestPath: o.cfg.SignalCLIPayloadMount,
			IgnoreVCS: true, ReadyRequired: false,
		})
	}
	return specs
}

// lockedDeveloperSessionSpecs rebuilds a VM's developer session specs from
// the paths recorded on its locks, for reactivating sync without requiring
// the caller to re-pass host paths.
func (o *Orchestrator) lockedDeveloperSessionSpecs(vmName string) []syncctl.SessionSpec {
	srcPath, srcOK := o.locks.LockedPathForVM(locks.OpenclawSource, vmName)
	payloadPath, payloadOK := o.locks.LockedPathForVM(locks.OpenclawPayload, vmName)
	if !srcOK || !payloadOK {
		return nil
	}
	signalPath := ""
	if p, ok := o.locks.LockedPathForVM(locks.SignalPayload, vmName); ok {
		signalPath = p
	}
	return o.developerSessionSpecs(srcPath, payloadPath, signalPath)
}

// syncCredentials selects the SSH credential an operation should use to
// reach the guest: the provisioned VM user once a provision marker exists,
// otherwise the bootstrap admin account.
func (o *Orchestrator) syncCredentials(vmName string) (user, password string, err error) {
	m, loadErr := o.markers.Load(vmName)
	if loadErr == nil && m != nil {
		if pw, pwErr := config.ReadVMPassword(o.cfg.SecretsFile); pwErr == nil {
			return vmName, pw, nil
		}
	}
	return o.cfg.BootstrapAdminUser, o.cfg.BootstrapAdminPassword, nil
}

// activateSync provisions the guest SSH access, prepares the guest
// directories, brings up the sync sessions for specs, and waits for the
// initial synchronization to land in the guest.
func (o *Orchestrator) activateSync(ctx context.Context, vmName string, specs []syncctl.SessionSpec, ansibleUser, ansiblePassword, reason string) error {
	if len(specs) == 0 {
		return nil
	}
	o.eventlog.Emit(vmName, synclog.EventActivateStart, "orchestrator", reason, nil)

	fail := func(stage string, err error) error {
		o.eventlog.Emit(vmName, synclog.EventActivateError, "orchestrator", reason, map[string]any{"stage": stage, "error": err.Error()})
		metrics.RecordSyncActivate("error")
		return userErr("Error: Could not activate sync for '%s' (%s): %s", vmName, stage, err.Error())
	}

	ip, ok, err := o.backend.IP(ctx, vmName)
	if err != nil || !ok || ip == "" {
		return fail("resolve-ip", fmt.Errorf("could not resolve guest IP"))
	}

	keys, err := syncctl.EnsureVMKeyPair(o.cfg.StateDir, vmName)
	if err != nil {
		return fail("keygen", err)
	}
	pubKey, err := syncctl.ReadPublicKey(o.cfg.StateDir, vmName)
	if err != nil {
		return fail("read-public-key", err)
	}

	shellOpts := o.shell.options(ansibleUser, ansiblePassword, probe.SingleHostInventory(ip), true)

	if err := syncctl.InstallGuestKey(ctx, o.shell.Runner, ip, shellOpts, pubKey); err != nil {
		return fail("install-guest-key", err)
	}
	if err := syncctl.PrepareGuestDirectories(ctx, o.shell.Runner, ip, shellOpts, specs); err != nil {
		return fail("prepare-guest-directories", err)
	}

	alias, err := syncctl.EnsureMutagenSSHAlias(o.sync.SSHDir, vmName, ip, ansibleUser, keys.PrivatePath)
	if err != nil {
		return fail("ssh-alias", err)
	}
	if err := syncctl.EnsureVMSessions(ctx, o.sync.Tool, vmName, alias, specs); err != nil {
		return fail("sessions", err)
	}
	if err := syncctl.MarkVMActive(o.cfg.StateDir, vmName); err != nil {
		return fail("mark-active", err)
	}

	readyTimeout := time.Duration(o.cfg.MutagenReadyTimeoutSeconds) * time.Second
	readiness := syncctl.WaitForSyncReady(ctx, o.shell.Runner, ip, specs, shellOpts, readyTimeout)
	if !readiness.RequiredDone {
		return fail("readiness", fmt.Errorf("sync sessions did not become ready in time"))
	}

	o.activatedSync[vmName] = true
	o.eventlog.Emit(vmName, synclog.EventActivateOK, "orchestrator", reason, nil)
	metrics.RecordSyncActivate("ok")
	return nil
}

// teardownSync terminates a VM's sync sessions and SSH alias. Always
// best-effort: the caller (down/delete) must proceed with VM teardown
// regardless of whether this succeeds.
func (o *Orchestrator) teardownSync(ctx context.Context, vmName string, flush bool, reason string) error {
	o.eventlog.Emit(vmName, synclog.EventTeardownStart, "orchestrator", reason, nil)
	if err := syncctl.TeardownVMSync(ctx, o.sync.Tool, o.sync.SSHDir, o.cfg.StateDir, vmName, flush); err != nil {
		o.eventlog.Emit(vmName, synclog.EventTeardownError, "orchestrator", reason, map[string]any{"error": err.Error()})
		metrics.RecordSyncTeardown("error")
		return err
	}
	delete(o.activatedSync, vmName)
	o.eventlog.Emit(vmName, synclog.EventTeardownOK, "orchestrator", reason, nil)
	metrics.RecordSyncTeardown("ok")
	return nil
}

// --- small local helpers ---

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tailLines(path string, count int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > count {
		lines = lines[len(lines)-count:]
	}
	return strings.Join(lines, "\n")
}

func boolLower(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func orUnknownStatus(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func formatStatuses(order []string, statuses map[string]string) string {
	lines := make([]string, 0, len(order))
	for _, path := range order {
		lines = append(lines, fmt.Sprintf("    - %s: %s", path, statuses[path]))
	}
	return strings.Join(lines, "\n")
}

func shellQuoteLocal(s string) string {
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
