package orchestrator

import (
	"strings"
	"testing"
)

func TestVirtualizationLimitHintAppliedToMatchingMessages(t *testing.T) {
	cases := []struct {
		message  string
		wantHint bool
	}{
		{"Error: Command failed (exit 1): tart run\nVZErrorDomain error 2", true},
		{"the number of virtual machines exceeds the system limit", true},
		{"Resource busy", true},
		{"Error: Command failed (exit 1): tart clone\nno space left on device", false},
	}
	for _, c := range cases {
		got := withVirtualizationLimitHint(c.message)
		if hasHint := strings.Contains(got, virtualizationLimitHint); hasHint != c.wantHint {
			t.Errorf("withVirtualizationLimitHint(%q): hint present = %v, want %v", c.message, hasHint, c.wantHint)
		}
	}
}

func TestVirtualizationLimitHintIsIdempotent(t *testing.T) {
	message := "VZErrorDomain: virtual machine limit reached"
	once := withVirtualizationLimitHint(message)
	twice := withVirtualizationLimitHint(once)
	if once != twice {
		t.Fatalf("hint was applied twice:\nonce: %q\ntwice: %q", once, twice)
	}
	if strings.Count(twice, "Hint:") != 1 {
		t.Fatalf("expected exactly one hint, got: %q", twice)
	}
}
