package image

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFakePacker(t *testing.T, behavior string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "packer")
	script := "#!/bin/sh\necho \"packer $*\" >> " + filepath.Join(dir, "calls.log") + "\n" + behavior + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func withPATH(t *testing.T, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake packer script assumes a POSIX shell")
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func setupDataRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "packer"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "packer", "macos-base.pkr.hcl"), []byte("source \"x\" {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestInitErrorsWhenTemplateMissing(t *testing.T) {
	root := t.TempDir()
	if err := Init(context.Background(), root); err == nil {
		t.Fatal("expected error when the packer template is missing")
	}
}

func TestInitRunsPackerInitWithRelativeTemplate(t *testing.T) {
	root := setupDataRoot(t)
	binDir := writeFakePacker(t, "exit 0")
	withPATH(t, binDir)

	if err := Init(context.Background(), root); err != nil {
		t.Fatalf("Init: %v", err)
	}

	log, err := os.ReadFile(filepath.Join(binDir, "calls.log"))
	if err != nil {
		t.Fatalf("read calls.log: %v", err)
	}
	if got := string(log); got != "packer init packer/macos-base.pkr.hcl\n" {
		t.Errorf("unexpected packer invocation: %q", got)
	}
}

func TestBuildRunsInitUnlessSkipped(t *testing.T) {
	root := setupDataRoot(t)
	binDir := writeFakePacker(t, "exit 0")
	withPATH(t, binDir)

	if err := Build(context.Background(), root, false, true); err != nil {
		t.Fatalf("Build: %v", err)
	}

	log, err := os.ReadFile(filepath.Join(binDir, "calls.log"))
	if err != nil {
		t.Fatalf("read calls.log: %v", err)
	}
	want := "packer init packer/macos-base.pkr.hcl\npacker build -force packer/macos-base.pkr.hcl\n"
	if got := string(log); got != want {
		t.Errorf("expected init then build, got:\n%s", got)
	}
}

func TestBuildSkipsInitWhenRequested(t *testing.T) {
	root := setupDataRoot(t)
	binDir := writeFakePacker(t, "exit 0")
	withPATH(t, binDir)

	if err := Build(context.Background(), root, true, false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	log, err := os.ReadFile(filepath.Join(binDir, "calls.log"))
	if err != nil {
		t.Fatalf("read calls.log: %v", err)
	}
	if got := string(log); got != "packer build packer/macos-base.pkr.hcl\n" {
		t.Errorf("unexpected packer invocation: %q", got)
	}
}

func TestBuildPropagatesNonzeroExit(t *testing.T) {
	root := setupDataRoot(t)
	binDir := writeFakePacker(t, "exit 1")
	withPATH(t, binDir)

	if err := Build(context.Background(), root, true, false); err == nil {
		t.Fatal("expected error on nonzero packer exit")
	}
}
