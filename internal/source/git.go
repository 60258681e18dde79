package source

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

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

// Git acquires source trees with the git CLI. When Remote is empty the
// destination must already hold a checkout; otherwise a missing destination
// is cloned and an existing one fetched before Ref is checked out.
type Git struct {
	Logger *slog.Logger
	Remote string
	Ref    string

	run func(ctx context.Context, dir string, args ...string) (string, error)
}

func (g *Git) logger() *slog.Logger {
	return logging.Ensure(g.Logger)
}

// Acquire clones or refreshes the checkout at dest and reports its state.
// A non-empty ref takes precedence over the configured Ref.
func (g *Git) Acquire(ctx context.Context, dest, ref string) (Checkout, error) {
	if dest == "" {
		return Checkout{}, errors.New("source: destination must not be empty")
	}
	if ref == "" {
		ref = g.Ref
	}

	switch {
	case !isCheckout(dest) && g.Remote == "":
		return Checkout{}, fmt.Errorf("no checkout at %s and no remote configured", dest)
	case !isCheckout(dest):
		g.logger().Info("cloning source", "remote", g.Remote, "dest", dest)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return Checkout{}, fmt.Errorf("creating checkout parent: %w", err)
		}
		if _, err := g.git(ctx, "", "clone", "--quiet", g.Remote, dest); err != nil {
			return Checkout{}, err
		}
	case g.Remote != "":
		g.logger().Debug("refreshing source", "dest", dest)
		if _, err := g.git(ctx, dest, "fetch", "--quiet", "--tags", "origin"); err != nil {
			return Checkout{}, err
		}
	}

	if ref != "" {
		if _, err := g.git(ctx, dest, "checkout", "--quiet", ref); err != nil {
			return Checkout{}, fmt.Errorf("checking out %s: %w", ref, err)
		}
	}

	commit, err := g.git(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return Checkout{}, err
	}
	branch, err := g.git(ctx, dest, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Checkout{}, err
	}

	checkout := Checkout{Path: dest, Branch: branch, Commit: commit}
	g.logger().Info("source ready", "path", dest, "branch", branch, "commit", shorten(commit))
	return checkout, nil
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	if g.run != nil {
		return g.run(ctx, dir, args...)
	}
	return runGit(ctx, dir, args...)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, detail)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func isCheckout(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func shorten(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
