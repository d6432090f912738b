// Package model holds the domain types shared across Clawbox's components: VM
// identity, profile, optional services, and the VM lifecycle state space.
package model

import (
	"fmt"
	"regexp"
)

// Profile selects which host directories a VM binds and whether the sync
// controller manages it.
const (
	ProfileStandard  = "standard"
	ProfileDeveloper = "developer"
)

// ValidProfile reports whether p is a recognized profile value.
func ValidProfile(p string) bool {
	return p == ProfileStandard || p == ProfileDeveloper
}

var baseNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// ValidBaseName reports whether base is a legal deployment-wide VM base name.
func ValidBaseName(base string) bool {
	return base != "" && baseNamePattern.MatchString(base)
}

// VMName formats the name of the Nth VM for the given base name.
func VMName(base string, n int) string {
	return fmt.Sprintf("%s-%d", base, n)
}

// VM lifecycle states. Sync state for developer-profile VMs is orthogonal to
// these; the orchestrator tracks it independently rather than as a combined
// enum.
const (
	StateAbsent      = "absent"
	StateStopped     = "stopped"
	StateRunning     = "running"
	StateProvisioned = "provisioned" // orthogonal refinement of StateRunning
)

// validVMTransitions maps each lifecycle state to the set of states directly
// reachable from it via a single orchestrator operation.
var validVMTransitions = map[string]map[string]bool{
	StateAbsent: {
		StateStopped: true, // clone
	},
	StateStopped: {
		StateRunning: true, // run
		StateAbsent:  true, // delete
	},
	StateRunning: {
		StateProvisioned: true, // provision
		StateStopped:     true, // stop
	},
	StateProvisioned: {
		StateStopped: true, // stop
	},
}

// ValidVMTransition reports whether transitioning a VM from one lifecycle
// state to another is a legal single-operation step.
func ValidVMTransition(from, to string) bool {
	targets, ok := validVMTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
