package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

// CommandConfig configures a fetcher that shells out to an external tool,
// typically the data pipeline of the project being built. The command is a
// template with access to {{.ArtifactPath}} and {{.WorkDir}}.
type CommandConfig struct {
	Command string `yaml:"command"`
	Dir     string `yaml:"dir,omitempty"`
}

// Command renders its template against the destination path and runs the
// result through the shell, streaming output to the process streams.
type Command struct {
	Logger *slog.Logger

	template *template.Template
	dir      string

	run func(ctx context.Context, dir, command string) error
}

// NewCommand compiles the configured command template.
func NewCommand(cfg *CommandConfig) (*Command, error) {
	if cfg == nil {
		return nil, errors.New("command fetcher config cannot be nil")
	}
	raw := strings.TrimSpace(cfg.Command)
	if raw == "" {
		return nil, errors.New("fetch command is required")
	}
	tmpl, err := template.New("fetch").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse fetch command template: %w", err)
	}
	return &Command{template: tmpl, dir: cfg.Dir}, nil
}

func (f *Command) logger() *slog.Logger {
	return logging.Ensure(f.Logger)
}

// Fetch runs the configured command, expecting it to leave the artifact at
// dest. The template sees the artifact path and the command's working
// directory, which defaults to the artifact's parent.
func (f *Command) Fetch(ctx context.Context, dest string) error {
	workDir := f.dir
	if workDir == "" {
		workDir = filepath.Dir(dest)
	}
	data := struct {
		ArtifactPath string
		WorkDir      string
	}{
		ArtifactPath: dest,
		WorkDir:      workDir,
	}

	var rendered bytes.Buffer
	if err := f.template.Execute(&rendered, data); err != nil {
		return fmt.Errorf("render fetch command: %w", err)
	}
	command := strings.TrimSpace(rendered.String())
	if command == "" {
		return errors.New("fetch command rendered empty")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	f.logger().Info("fetching artifact", "command", command, "dir", workDir)
	if err := f.exec(ctx, workDir, command); err != nil {
		return fmt.Errorf("fetch command failed: %w", err)
	}
	return nil
}

func (f *Command) exec(ctx context.Context, dir, command string) error {
	if f.run != nil {
		return f.run(ctx, dir, command)
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
