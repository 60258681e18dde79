package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// gitStub records git invocations and answers rev-parse with fixed values.
type gitStub struct {
	calls  [][]string
	failOn string
}

func (s *gitStub) run(_ context.Context, dir string, args ...string) (string, error) {
	s.calls = append(s.calls, append([]string{dir}, args...))
	if s.failOn != "" && args[0] == s.failOn {
		return "", fmt.Errorf("git %s: exit status 128", args[0])
	}
	if args[0] == "rev-parse" {
		if len(args) > 1 && args[1] == "--abbrev-ref" {
			return "main", nil
		}
		return "0123456789abcdef0123456789abcdef01234567", nil
	}
	return "", nil
}

func (s *gitStub) commands() []string {
	var names []string
	for _, call := range s.calls {
		names = append(names, call[1])
	}
	return names
}

func existingCheckout(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("creating .git fixture: %v", err)
	}
	return dir
}

func TestGitAcquireRequiresDest(t *testing.T) {
	t.Parallel()

	git := &Git{run: (&gitStub{}).run}
	if _, err := git.Acquire(context.Background(), "", ""); err == nil {
		t.Fatal("Acquire(\"\") returned nil error")
	}
}

func TestGitAcquireFailsWithoutCheckoutOrRemote(t *testing.T) {
	t.Parallel()

	git := &Git{run: (&gitStub{}).run}
	_, err := git.Acquire(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	if err == nil {
		t.Fatal("Acquire() returned nil error for missing checkout without remote")
	}
}

func TestGitAcquireClonesMissingCheckout(t *testing.T) {
	t.Parallel()

	stub := &gitStub{}
	git := &Git{Remote: "https://example.com/repo.git", run: stub.run}

	dest := filepath.Join(t.TempDir(), "checkout")
	checkout, err := git.Acquire(context.Background(), dest, "")
	if err != nil {
		t.Fatalf("Acquire() returned error: %v", err)
	}

	if got := stub.commands(); len(got) == 0 || got[0] != "clone" {
		t.Fatalf("commands = %v, want clone first", got)
	}
	if !strings.Contains(strings.Join(stub.calls[0], " "), "https://example.com/repo.git") {
		t.Errorf("clone call %v missing remote", stub.calls[0])
	}
	if checkout.Path != dest {
		t.Errorf("checkout path = %q, want %q", checkout.Path, dest)
	}
	if checkout.Branch != "main" {
		t.Errorf("checkout branch = %q, want main", checkout.Branch)
	}
	if checkout.Commit == "" {
		t.Error("checkout commit is empty")
	}
}

func TestGitAcquireRefreshesExistingCheckout(t *testing.T) {
	t.Parallel()

	stub := &gitStub{}
	git := &Git{Remote: "https://example.com/repo.git", run: stub.run}

	if _, err := git.Acquire(context.Background(), existingCheckout(t), ""); err != nil {
		t.Fatalf("Acquire() returned error: %v", err)
	}

	commands := stub.commands()
	for _, name := range commands {
		if name == "clone" {
			t.Fatalf("commands = %v, clone issued for existing checkout", commands)
		}
	}
	if commands[0] != "fetch" {
		t.Fatalf("commands = %v, want fetch first", commands)
	}
}

func TestGitAcquireUsesLocalCheckoutWithoutRemote(t *testing.T) {
	t.Parallel()

	stub := &gitStub{}
	git := &Git{run: stub.run}

	if _, err := git.Acquire(context.Background(), existingCheckout(t), ""); err != nil {
		t.Fatalf("Acquire() returned error: %v", err)
	}

	commands := stub.commands()
	if len(commands) != 2 || commands[0] != "rev-parse" {
		t.Fatalf("commands = %v, want only rev-parse calls", commands)
	}
}

func TestGitAcquireChecksOutRef(t *testing.T) {
	t.Parallel()

	stub := &gitStub{}
	git := &Git{Ref: "v1.2.3", run: stub.run}

	if _, err := git.Acquire(context.Background(), existingCheckout(t), ""); err != nil {
		t.Fatalf("Acquire() returned error: %v", err)
	}

	var sawCheckout bool
	for _, call := range stub.calls {
		if call[1] == "checkout" && call[len(call)-1] == "v1.2.3" {
			sawCheckout = true
		}
	}
	if !sawCheckout {
		t.Fatalf("calls = %v, missing checkout of v1.2.3", stub.calls)
	}
}

func TestGitAcquireExplicitRefWins(t *testing.T) {
	t.Parallel()

	stub := &gitStub{}
	git := &Git{Ref: "v1.2.3", run: stub.run}

	if _, err := git.Acquire(context.Background(), existingCheckout(t), "0123456789ab"); err != nil {
		t.Fatalf("Acquire() returned error: %v", err)
	}

	for _, call := range stub.calls {
		if call[1] != "checkout" {
			continue
		}
		if got := call[len(call)-1]; got != "0123456789ab" {
			t.Fatalf("checked out %q, want the explicit revision", got)
		}
	}
}

func TestGitAcquirePropagatesFailures(t *testing.T) {
	t.Parallel()

	stub := &gitStub{failOn: "fetch"}
	git := &Git{Remote: "https://example.com/repo.git", run: stub.run}

	if _, err := git.Acquire(context.Background(), existingCheckout(t), ""); err == nil {
		t.Fatal("Acquire() returned nil error when fetch failed")
	}
}
