package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTextfileProducesScrapeableFile(t *testing.T) {
	stateDir := t.TempDir()
	RecordLockAcquired("acquired", false, false)
	RecordWatcherStart("started")
	RecordSyncActivate("ok")

	if err := WriteTextfile(stateDir); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(stateDir, "metrics", "clawbox.prom"))
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(raw)
	for _, want := range []string{
		"clawbox_lock_acquisitions_total",
		"clawbox_watcher_starts_total",
		"clawbox_sync_activate_total",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected textfile to contain %q, got:\n%s", want, out)
		}
	}
}

func TestWriteTextfileIsAtomic(t *testing.T) {
	stateDir := t.TempDir()
	if err := WriteTextfile(stateDir); err != nil {
		t.Fatalf("first WriteTextfile: %v", err)
	}
	if err := WriteTextfile(stateDir); err != nil {
		t.Fatalf("second WriteTextfile: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(stateDir, "metrics"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly the published textfile with no leftover temp files, got %v", entries)
	}
}
