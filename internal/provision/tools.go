package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

// Requirement names one external command a run depends on. Args defaults to
// "--version"; Match, when set, is a substring the probe output must contain.
type Requirement struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Match   string   `yaml:"match,omitempty"`
}

// DefaultRequirements covers the commands the built-in adapters invoke.
func DefaultRequirements() []Requirement {
	return []Requirement{
		{Command: "git"},
		{Command: "docker"},
	}
}

// Tools checks that every requirement resolves on PATH and answers a version
// probe, then lays out the workspace sub-directories. Probes run sequentially
// so failures point at one tool.
type Tools struct {
	Logger       *slog.Logger
	Requirements []Requirement

	// Workspace, when set, is prepared by creating Dirs beneath it.
	Workspace string
	// Dirs are the workspace sub-directories a run expects; defaults to
	// the artifact store directory.
	Dirs []string

	lookPath func(name string) (string, error)
	output   func(ctx context.Context, name string, args ...string) (string, error)
}

// NewTools builds a Tools provisioner for the given requirements, falling
// back to DefaultRequirements when none are provided.
func NewTools(requirements []Requirement) *Tools {
	if len(requirements) == 0 {
		requirements = DefaultRequirements()
	}
	return &Tools{Requirements: requirements}
}

func (t *Tools) logger() *slog.Logger {
	return logging.Ensure(t.Logger)
}

// Provision probes every requirement and fails on the first unusable tool.
func (t *Tools) Provision(ctx context.Context) error {
	for _, req := range t.Requirements {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.TrimSpace(req.Command) == "" {
			return fmt.Errorf("runtime requirement with empty command")
		}

		path, err := t.look(req.Command)
		if err != nil {
			return fmt.Errorf("%s not found on PATH: %w", req.Command, err)
		}

		args := req.Args
		if len(args) == 0 {
			args = []string{"--version"}
		}
		out, err := t.probe(ctx, req.Command, args...)
		if err != nil {
			return fmt.Errorf("probing %s: %w", req.Command, err)
		}

		version := firstLine(out)
		if req.Match != "" && !strings.Contains(out, req.Match) {
			return fmt.Errorf("%s reported %q, want a version matching %q", req.Command, version, req.Match)
		}

		t.logger().Debug("tool ready", "command", req.Command, "path", path, "version", version)
	}
	return t.layout()
}

// layout creates the workspace sub-directories.
func (t *Tools) layout() error {
	if t.Workspace == "" {
		return nil
	}
	dirs := t.Dirs
	if len(dirs) == 0 {
		dirs = []string{"store"}
	}
	for _, dir := range dirs {
		path := filepath.Join(t.Workspace, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("preparing workspace directory %s: %w", path, err)
		}
	}
	return nil
}

func (t *Tools) look(name string) (string, error) {
	if t.lookPath != nil {
		return t.lookPath(name)
	}
	return exec.LookPath(name)
}

func (t *Tools) probe(ctx context.Context, name string, args ...string) (string, error) {
	if t.output != nil {
		return t.output(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
