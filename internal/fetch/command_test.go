package fetch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCommandRequiresCommand(t *testing.T) {
	t.Parallel()

	if _, err := NewCommand(&CommandConfig{Command: "   "}); err == nil {
		t.Fatal("NewCommand() accepted an empty command")
	}
	if _, err := NewCommand(nil); err == nil {
		t.Fatal("NewCommand(nil) returned nil error")
	}
}

func TestNewCommandRejectsBadTemplate(t *testing.T) {
	t.Parallel()

	if _, err := NewCommand(&CommandConfig{Command: "echo {{.ArtifactPath"}); err == nil {
		t.Fatal("NewCommand() accepted an unparsable template")
	}
}

func TestCommandFetchRendersArtifactPath(t *testing.T) {
	t.Parallel()

	fetcher, err := NewCommand(&CommandConfig{
		Command: "python -m ilostat.ilostat --out {{.ArtifactPath}}",
		Dir:     "checkout",
	})
	if err != nil {
		t.Fatalf("NewCommand() returned error: %v", err)
	}

	var gotDir, gotCommand string
	fetcher.run = func(_ context.Context, dir, command string) error {
		gotDir, gotCommand = dir, command
		return nil
	}

	dest := filepath.Join(t.TempDir(), "store", "ilo-prism.db")
	if err := fetcher.Fetch(context.Background(), dest); err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}

	if want := "python -m ilostat.ilostat --out " + dest; gotCommand != want {
		t.Fatalf("command = %q, want %q", gotCommand, want)
	}
	if gotDir != "checkout" {
		t.Fatalf("dir = %q, want checkout", gotDir)
	}
}

func TestCommandFetchDefaultsWorkDir(t *testing.T) {
	t.Parallel()

	fetcher, err := NewCommand(&CommandConfig{Command: "make artifact OUT_DIR={{.WorkDir}}"})
	if err != nil {
		t.Fatalf("NewCommand() returned error: %v", err)
	}

	var gotDir, gotCommand string
	fetcher.run = func(_ context.Context, dir, command string) error {
		gotDir, gotCommand = dir, command
		return nil
	}

	dest := filepath.Join(t.TempDir(), "store", "ilo-prism.db")
	if err := fetcher.Fetch(context.Background(), dest); err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}

	if want := "make artifact OUT_DIR=" + filepath.Dir(dest); gotCommand != want {
		t.Fatalf("command = %q, want %q", gotCommand, want)
	}
	if gotDir != filepath.Dir(dest) {
		t.Fatalf("dir = %q, want the artifact's parent %q", gotDir, filepath.Dir(dest))
	}
}

func TestCommandFetchRejectsEmptyRender(t *testing.T) {
	t.Parallel()

	fetcher, err := NewCommand(&CommandConfig{Command: "{{if false}}x{{end}}"})
	if err != nil {
		t.Fatalf("NewCommand() returned error: %v", err)
	}
	fetcher.run = func(context.Context, string, string) error { return nil }

	err = fetcher.Fetch(context.Background(), filepath.Join(t.TempDir(), "artifact.db"))
	if err == nil || !strings.Contains(err.Error(), "rendered empty") {
		t.Fatalf("Fetch() error = %v, want rendered empty", err)
	}
}
