package marker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromFileMissingReturnsNil(t *testing.T) {
	m, err := FromFile(filepath.Join(t.TempDir(), "clawbox-1.provisioned"))
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil marker for a missing file, got %+v", m)
	}
}

func TestFromFileUnparseableReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawbox-1.provisioned")
	if err := os.WriteFile(path, []byte("not a marker at all\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil marker for an unparseable file, got %+v", m)
	}
}

func TestWriteThenFromFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawbox-2.provisioned")
	in := &Marker{
		VMName:        "clawbox-2",
		Profile:       "developer",
		Playwright:    true,
		SignalCLI:     true,
		SignalPayload: true,
		SyncBackend:   DefaultSyncBackend,
		ProvisionedAt: "2026-08-01T12:00:00Z",
	}
	if err := in.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if out == nil {
		t.Fatal("expected a marker")
	}
	if *out != *in {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestFromFileDefaultsMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawbox-3.provisioned")
	content := "vm_name: clawbox-3\nprofile: developer\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if m.Playwright || m.Tailscale || m.SignalCLI || m.SignalPayload {
		t.Fatalf("expected absent boolean keys to default to false, got %+v", m)
	}
	if m.SyncBackend != "" {
		t.Fatalf("expected absent sync_backend to stay empty, got %q", m.SyncBackend)
	}
}

func TestCompatible(t *testing.T) {
	base := Marker{
		Profile:     "developer",
		SignalCLI:   true,
		SyncBackend: DefaultSyncBackend,
	}
	req := Requested{Profile: "developer", SignalCLI: true}

	cases := []struct {
		name   string
		marker Marker
		req    Requested
		want   bool
	}{
		{"exact match", base, req, true},
		{"profile mismatch", base, Requested{Profile: "standard", SignalCLI: true}, false},
		{"service bit mismatch", base, Requested{Profile: "developer"}, false},
		{"signal payload mismatch", base, Requested{Profile: "developer", SignalCLI: true, SignalPayload: true}, false},
		{
			"missing sync_backend on developer marker",
			Marker{Profile: "developer", SignalCLI: true},
			req,
			false,
		},
		{
			"unrecognized sync_backend on developer marker",
			Marker{Profile: "developer", SignalCLI: true, SyncBackend: "rsync"},
			req,
			false,
		},
		{
			"sync_backend ignored for standard profile",
			Marker{Profile: "standard"},
			Requested{Profile: "standard"},
			true,
		},
	}
	for _, c := range cases {
		if got := c.marker.Compatible(c.req); got != c.want {
			t.Errorf("%s: Compatible = %v, want %v", c.name, got, c.want)
		}
	}
}
