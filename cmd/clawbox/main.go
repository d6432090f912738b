// Command clawbox is the composition-root binary wiring every adapter
// package into the VM lifecycle operations: config, logger, adapters,
// orchestrator, then one dispatch per subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/joshavant/clawbox/internal/backend"
	"github.com/joshavant/clawbox/internal/config"
	"github.com/joshavant/clawbox/internal/image"
	"github.com/joshavant/clawbox/internal/locks"
	"github.com/joshavant/clawbox/internal/metrics"
	"github.com/joshavant/clawbox/internal/orchestrator"
	"github.com/joshavant/clawbox/internal/paths"
	"github.com/joshavant/clawbox/internal/probe"
	"github.com/joshavant/clawbox/internal/syncctl"
	"github.com/joshavant/clawbox/internal/synclog"
	"github.com/joshavant/clawbox/internal/watcher"
)

const watchToken = "_watch-vm"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	cmd := args[0]
	rest := args[1:]

	if cmd == watchToken {
		runWatchVM(rest)
		return
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	packageRoot := filepath.Dir(exe)

	cfg := config.Load(packageRoot)
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	o, err := buildOrchestrator(cfg, logger, exe)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}

	ctx := context.Background()
	if err := dispatch(ctx, o, cmd, rest, cfg); err != nil {
		var uerr *orchestrator.UserFacingError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, uerr.Error())
		} else {
			fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		}
		os.Exit(1)
	}

	if err := metrics.WriteTextfile(cfg.StateDir); err != nil {
		logger.Warn("could not write metrics textfile", "error", err)
	}
}

// buildOrchestrator wires every adapter package into an Orchestrator, the
// composition root every subcommand below drives.
func buildOrchestrator(cfg config.Config, logger *slog.Logger, selfExe string) (*orchestrator.Orchestrator, error) {
	be := backend.NewCLIBackend()

	lockRoot, err := paths.HomeLocksRoot()
	if err != nil {
		return nil, fmt.Errorf("could not resolve lock root: %w", err)
	}
	lm := locks.NewManager(lockRoot, be)

	sshDir, err := paths.SSHDir()
	if err != nil {
		return nil, fmt.Errorf("could not resolve ssh directory: %w", err)
	}

	ansibleDir := filepath.Join(cfg.DataRoot, "ansible")
	shell := &orchestrator.RemoteShell{
		Runner:                probe.AnsibleRunner{},
		AnsibleDir:            ansibleDir,
		ConnectTimeoutSeconds: cfg.AnsibleConnectTimeoutSeconds,
		CommandTimeoutSeconds: cfg.AnsibleCommandTimeoutSeconds,
	}

	sc := &orchestrator.SyncController{Tool: syncctl.CLITool{}, SSHDir: sshDir}

	onTeardown := func(vmName string) {
		_ = syncctl.TeardownVMSync(context.Background(), sc.Tool, sc.SSHDir, cfg.StateDir, vmName, false)
		lm.CleanupForVM(vmName)
	}
	wsup := watcher.New(cfg.StateDir, be, selfExe, onTeardown)

	markers := &orchestrator.MarkerStore{StateDir: cfg.StateDir}
	eventlog := synclog.New(cfg.StateDir, cfg.SyncEventLogMaxBytes)
	provisioner := &orchestrator.AnsiblePlaybookProvisioner{AnsibleDir: ansibleDir}

	return orchestrator.NewOrchestrator(cfg, be, lm, shell, sc, wsup, markers, eventlog, provisioner, logger), nil
}

func dispatch(ctx context.Context, o *orchestrator.Orchestrator, cmd string, rest []string, cfg config.Config) error {
	switch cmd {
	case "create":
		a := newArgSet()
		if err := a.Parse(rest); err != nil {
			return err
		}
		n, err := vmNumberOrDefault(a)
		if err != nil {
			return err
		}
		return o.Create(ctx, n)

	case "launch":
		a := newArgSet()
		profile := a.String("profile", "standard")
		developer := a.Bool("developer")
		standard := a.Bool("standard")
		src := a.String("openclaw-source", "")
		payload := a.String("openclaw-payload", "")
		signalPayload := a.String("signal-cli-payload", "")
		headless := a.Bool("headless")
		if err := a.Parse(rest); err != nil {
			return err
		}
		n, err := vmNumberOrDefault(a)
		if err != nil {
			return err
		}
		resolvedProfile, err := profileFromShortcuts(*profile, *developer, *standard)
		if err != nil {
			return err
		}
		return o.Launch(ctx, orchestrator.LaunchOptions{
			VMNumber: n, Profile: resolvedProfile,
			OpenclawSource: *src, OpenclawPayload: *payload, SignalPayload: *signalPayload,
			Headless: *headless,
		})

	case "provision":
		a := newArgSet()
		profile := a.String("profile", "standard")
		developer := a.Bool("developer")
		standard := a.Bool("standard")
		playwright := a.Bool("add-playwright-provisioning")
		tailscale := a.Bool("add-tailscale-provisioning")
		signalCLI := a.Bool("add-signal-cli-provisioning")
		signalPayload := a.Bool("enable-signal-payload")
		if err := a.Parse(rest); err != nil {
			return err
		}
		n, err := vmNumberOrDefault(a)
		if err != nil {
			return err
		}
		resolvedProfile, err := profileFromShortcuts(*profile, *developer, *standard)
		if err != nil {
			return err
		}
		return o.Provision(ctx, orchestrator.ProvisionOptions{
			VMNumber: n, Profile: resolvedProfile,
			EnablePlaywright: *playwright, EnableTailscale: *tailscale,
			EnableSignalCLI: *signalCLI, EnableSignalPayload: *signalPayload,
		})

	case "up", "recreate":
		a := newArgSet()
		profile := a.String("profile", "standard")
		developer := a.Bool("developer")
		standard := a.Bool("standard")
		src := a.String("openclaw-source", "")
		payload := a.String("openclaw-payload", "")
		signalPayload := a.String("signal-cli-payload", "")
		playwright := a.Bool("add-playwright-provisioning")
		tailscale := a.Bool("add-tailscale-provisioning")
		signalCLI := a.Bool("add-signal-cli-provisioning")
		number := a.String("number", "")
		if err := a.Parse(rest); err != nil {
			return err
		}
		n, err := resolveOptionalVMNumber(a, *number)
		if err != nil {
			return err
		}
		resolvedProfile, err := profileFromShortcuts(*profile, *developer, *standard)
		if err != nil {
			return err
		}
		opts := orchestrator.UpOptions{
			VMNumber: n, Profile: resolvedProfile,
			OpenclawSource: *src, OpenclawPayload: *payload, SignalPayload: *signalPayload,
			EnablePlaywright: *playwright, EnableTailscale: *tailscale, EnableSignalCLI: *signalCLI,
		}
		var status string
		if cmd == "recreate" {
			status, err = o.Recreate(ctx, opts)
		} else {
			status, err = o.Up(ctx, opts)
		}
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil

	case "down":
		a := newArgSet()
		if err := a.Parse(rest); err != nil {
			return err
		}
		n, err := vmNumberOrDefault(a)
		if err != nil {
			return err
		}
		return o.Down(ctx, n)

	case "delete":
		a := newArgSet()
		if err := a.Parse(rest); err != nil {
			return err
		}
		n, err := vmNumberOrDefault(a)
		if err != nil {
			return err
		}
		return o.Delete(ctx, n)

	case "ip":
		a := newArgSet()
		if err := a.Parse(rest); err != nil {
			return err
		}
		n, err := vmNumberOrDefault(a)
		if err != nil {
			return err
		}
		ip, err := o.IP(ctx, n)
		if err != nil {
			return err
		}
		fmt.Println(ip)
		return nil

	case "status":
		a := newArgSet()
		asJSON := a.Bool("json")
		if err := a.Parse(rest); err != nil {
			return err
		}
		var n *int
		if pos := a.Positional(0); pos != "" {
			parsed, err := positiveInt(pos)
			if err != nil {
				return err
			}
			n = &parsed
		}
		text, err := o.Status(ctx, n, *asJSON)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil

	case "image":
		return dispatchImage(ctx, cfg, rest)

	default:
		return fmt.Errorf("unknown command: %s\n%s", cmd, usage())
	}
}

func dispatchImage(ctx context.Context, cfg config.Config, rest []string) error {
	if len(rest) == 0 {
		return fmt.Errorf("image requires a subcommand: init|build|rebuild")
	}
	sub := rest[0]
	a := newArgSet()
	skipInit := a.Bool("skip-init")
	if err := a.Parse(rest[1:]); err != nil {
		return err
	}
	switch sub {
	case "init":
		return image.Init(ctx, cfg.DataRoot)
	case "build":
		return image.Build(ctx, cfg.DataRoot, *skipInit, false)
	case "rebuild":
		return image.Build(ctx, cfg.DataRoot, *skipInit, true)
	default:
		return fmt.Errorf("unknown image subcommand: %s", sub)
	}
}

// resolveOptionalVMNumber resolves the VM number for up/recreate: a bare
// positional number and --number are mutually exclusive; absent both, the VM
// number defaults to 1.
func resolveOptionalVMNumber(a *argSet, numberFlag string) (int, error) {
	pos := a.Positional(0)
	if pos != "" && numberFlag != "" {
		return 0, fmt.Errorf("VM number provided more than once")
	}
	if numberFlag != "" {
		return positiveInt(numberFlag)
	}
	if pos != "" {
		return positiveInt(pos)
	}
	return 1, nil
}

// runWatchVM is the hidden watcher-subprocess entry point Supervisor.Start
// re-execs this binary as: "<self> _watch-vm <vmName> --state-dir <dir>
// --poll-seconds <n>". It polls the VM's liveness directly against the
// backend and, on a false observation, tears down sync (without flush) and
// cleans locks before exiting. It builds only the adapters it needs, not the
// full Orchestrator; the watcher has no business driving the rest of the
// lifecycle machine.
func runWatchVM(rest []string) {
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Error: "+watchToken+" requires a VM name")
		os.Exit(1)
	}
	vmName := rest[0]

	a := newArgSet()
	stateDir := a.String("state-dir", "")
	pollSeconds := a.String("poll-seconds", "2")
	if err := a.Parse(rest[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
	poll, err := strconv.Atoi(*pollSeconds)
	if err != nil || poll <= 0 {
		poll = 2
	}

	be := backend.NewCLIBackend()
	sshDir, _ := paths.SSHDir()
	tool := syncctl.CLITool{}
	lockRoot, _ := paths.HomeLocksRoot()
	lm := locks.NewManager(lockRoot, be)

	var exiting int32
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		atomic.StoreInt32(&exiting, 1)
	}()

	shouldExit := func() bool { return atomic.LoadInt32(&exiting) == 1 }
	onStopped := func() {
		_ = syncctl.TeardownVMSync(context.Background(), tool, sshDir, *stateDir, vmName, false)
		lm.CleanupForVM(vmName)
	}

	watcher.RunLoop(context.Background(), be, *stateDir, vmName, poll, shouldExit, onStopped)
}

func usage() string {
	return "usage: clawbox <create|launch|provision|up|recreate|down|delete|ip|status|image> ..."
}
