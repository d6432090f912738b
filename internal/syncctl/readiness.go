package syncctl

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/joshavant/clawbox/internal/model"
	"github.com/joshavant/clawbox/internal/probe"
)

// ReadinessResult reports, per guest path, whether its marker became visible.
type ReadinessResult struct {
	Ready        bool
	Statuses     map[string]string
	LastError    string
	RequiredDone bool
}

func markerShellClause(path string) string {
	quoted := shellQuoteReadiness(path)
	return "if [ -f " + quoted + " ]; then printf '%s=%s\\n' " + quoted + " ok; " +
		"else printf '%s=%s\\n' " + quoted + " missing; fi"
}

func shellQuoteReadiness(s string) string {
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
	quoted := "'"
	for _, r := range s {
		if r == '\'' {
			quoted += `'"'"'`
		} else {
			quoted += string(r)
		}
	}
	return quoted + "'"
}

// WaitForSyncReady drops a uniquely named marker file in each session's host
// path and polls target, via the Remote Probe Runtime, for the matching
// guest path's visibility. Required specs must all read "ok" before timeout
// elapses; optional specs (ReadyRequired=false, e.g. the signal payload) may
// still be pending when the wait otherwise succeeds. Markers are always
// removed on every exit path.
func WaitForSyncReady(ctx context.Context, runner probe.Runner, target string, specs []SessionSpec, opts probe.ShellOptions, timeout time.Duration) ReadinessResult {
	type markerPath struct {
		hostPath  string
		guestPath string
		required  bool
	}
	var markers []markerPath
	defer func() {
		for _, m := range markers {
			os.Remove(m.hostPath)
		}
	}()

	var clauses []string
	var guestPaths []string
	requiredSet := make(map[string]bool)
	for _, spec := range specs {
		name := ".clawbox-mutagen-ready-" + model.NewID()
		hostMarker := filepath.Join(spec.HostPath, name)
		guestMarker := spec.GuestPath + "/" + name
		if err := os.WriteFile(hostMarker, []byte("ready\n"), 0o644); err != nil {
			continue
		}
		markers = append(markers, markerPath{hostPath: hostMarker, guestPath: guestMarker, required: spec.ReadyRequired})
		clauses = append(clauses, markerShellClause(guestMarker))
		guestPaths = append(guestPaths, guestMarker)
		requiredSet[guestMarker] = spec.ReadyRequired
	}

	if len(clauses) == 0 {
		return ReadinessResult{Ready: true, RequiredDone: true, Statuses: map[string]string{}}
	}

	shellCmd := joinClauses(clauses)
	predicate := func(exitCode int, statuses map[string]string) bool {
		for path, required := range requiredSet {
			if !required {
				continue
			}
			if statuses[path] != probe.StatusOK {
				return false
			}
		}
		return true
	}

	succeeded, statuses, lastErr := probe.Wait(ctx, runner, target, shellCmd, guestPaths, opts, predicate, timeout)

	requiredDone := true
	for path, required := range requiredSet {
		if required && statuses[path] != probe.StatusOK {
			requiredDone = false
		}
	}

	return ReadinessResult{
		Ready:        succeeded,
		Statuses:     statuses,
		LastError:    lastErr,
		RequiredDone: requiredDone,
	}
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += "; " + c
	}
	return out
}
