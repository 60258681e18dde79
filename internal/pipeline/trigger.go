package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req Request) (*Run, error)
}

// Trigger gates runs on the branch that is allowed to publish and
// serializes admitted runs with the run lock. Refs other than the trigger
// branch are skipped, not failed: a skipped trigger returns (nil, nil) and
// leaves no record.
type Trigger struct {
	Logger *slog.Logger

	Pipeline Runner
	// Branch is the ref runs are gated on.
	Branch string
	// LockPath, when set, is the advisory lock held for the run's duration.
	LockPath string
}

func (t *Trigger) logger() *slog.Logger {
	return logging.Ensure(t.Logger)
}

// Run executes req if the gate admits it.
func (t *Trigger) Run(ctx context.Context, req Request) (*Run, error) {
	if t.Pipeline == nil {
		return nil, errors.New("trigger pipeline is not configured")
	}

	if req.Branch != t.Branch {
		if !req.Force {
			t.logger().Info("skipping trigger for non-trigger branch", "branch", req.Branch, "trigger", t.Branch)
			return nil, nil
		}
		t.logger().Warn("forcing run for non-trigger branch", "branch", req.Branch, "trigger", t.Branch)
	}

	if t.LockPath != "" {
		lock, err := AcquireLock(t.LockPath)
		if err != nil {
			return nil, err
		}
		defer lock.Release()
	}
	return t.Pipeline.Run(ctx, req)
}
