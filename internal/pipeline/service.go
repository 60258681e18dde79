package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/justintemps/ilostat-simple-summarizer/internal/cache"
	"github.com/justintemps/ilostat-simple-summarizer/internal/fetch"
	"github.com/justintemps/ilostat-simple-summarizer/internal/image"
	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
	"github.com/justintemps/ilostat-simple-summarizer/internal/provision"
	"github.com/justintemps/ilostat-simple-summarizer/internal/source"
)

// Service runs the pipeline end to end: acquire source, provision the
// runtime, restore or fetch the artifact, then build, publish, and re-cache.
// Steps run strictly in order and, apart from the cache restore, the first
// failure aborts the run.
type Service struct {
	Logger *slog.Logger

	Source   source.Acquirer
	Runtime  provision.Provisioner
	Cache    cache.Store
	Fetcher  fetch.Fetcher
	Registry image.Registry
	Builder  image.Builder
	Runs     RunRepository

	// Workspace is handed to Source and doubles as the image build context.
	Workspace string
	// ArtifactName keys the cache; ArtifactPath locates the artifact,
	// relative to Workspace unless absolute.
	ArtifactName string
	ArtifactPath string
	// Tag is the fixed reference every run publishes.
	Tag string
	// Dockerfile optionally names the build definition inside Workspace.
	Dockerfile string
	// Host overrides the registry host derived from Tag.
	Host        string
	Credentials image.Credentials
	// OS overrides the runtime value in cache keys, mainly for tests.
	OS string

	clock func() time.Time
}

// Run executes one pipeline run and returns its record. The record is also
// persisted when a run repository is configured, for failed runs included.
func (s *Service) Run(ctx context.Context, req Request) (*Run, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	run := &Run{
		ID:        id,
		Branch:    req.Branch,
		Image:     s.Tag,
		Status:    StatusRunning,
		StartedAt: s.now(),
	}
	logger := s.logger().With("run", run.ID, "branch", req.Branch)
	logger.Info("starting pipeline run", "image", s.Tag)

	err := s.execute(ctx, logger, run, req)
	run.EndedAt = s.now()
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		logger.Error("pipeline run failed", "error", err)
	} else {
		run.Status = StatusSucceeded
		logger.Info("pipeline run succeeded", "cache_hit", run.CacheHit, "duration", run.EndedAt.Sub(run.StartedAt))
	}

	if s.Runs != nil {
		if saveErr := s.Runs.Save(run); saveErr != nil {
			logger.Warn("persisting run record failed", "error", saveErr)
		}
	}
	return run, err
}

func (s *Service) execute(ctx context.Context, logger *slog.Logger, run *Run, req Request) error {
	var checkout source.Checkout
	if err := s.step(ctx, run, StepSource, func(ctx context.Context) error {
		var err error
		checkout, err = s.Source.Acquire(ctx, s.Workspace, req.Commit)
		return err
	}); err != nil {
		return err
	}
	run.Commit = checkout.Commit

	if err := s.step(ctx, run, StepRuntime, func(ctx context.Context) error {
		return s.Runtime.Provision(ctx)
	}); err != nil {
		return err
	}

	var key cache.Key
	if err := s.step(ctx, run, StepKey, func(context.Context) error {
		key = cache.NewKey(s.os(), s.ArtifactName, req.Branch, s.now())
		return key.Validate()
	}); err != nil {
		return err
	}
	run.CacheKey = key.String()
	logger = logger.With("key", run.CacheKey)

	artifact := s.artifactPath()
	if err := s.step(ctx, run, StepRestore, func(ctx context.Context) error {
		found, err := s.Cache.Restore(ctx, key, artifact)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			// A broken cache must not fail the run; rebuild instead.
			logger.Warn("cache restore failed, treating as miss", "error", err)
		case found:
			logger.Info("cache entry restored")
		}
		return nil
	}); err != nil {
		return err
	}

	// Presence of the artifact is the only signal fetch acts on. A restore
	// that produced nothing and a pre-existing workspace artifact are
	// indistinguishable on purpose.
	if artifactPresent(artifact) {
		run.CacheHit = true
		s.skipStep(run, StepFetch)
		logger.Info("artifact present, skipping fetch", "artifact", artifact)
	} else {
		logger.Info("cache miss, fetching artifact", "artifact", artifact)
		if err := s.step(ctx, run, StepFetch, func(ctx context.Context) error {
			if err := s.Fetcher.Fetch(ctx, artifact); err != nil {
				return err
			}
			if !artifactPresent(artifact) {
				return fmt.Errorf("fetch completed but artifact missing at %s", artifact)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if err := s.step(ctx, run, StepLogin, func(ctx context.Context) error {
		return s.Registry.Login(ctx, s.registryHost(), s.Credentials)
	}); err != nil {
		return err
	}

	if err := s.step(ctx, run, StepBuild, func(ctx context.Context) error {
		return s.Builder.Build(ctx, image.BuildSpec{
			ContextDir: s.Workspace,
			Dockerfile: s.Dockerfile,
			Tag:        s.Tag,
		})
	}); err != nil {
		return err
	}

	if err := s.step(ctx, run, StepPublish, func(ctx context.Context) error {
		return s.Registry.Push(ctx, s.Tag)
	}); err != nil {
		return err
	}

	// The slot is refreshed even after a hit so the entry carries the most
	// recently published artifact.
	return s.step(ctx, run, StepSave, func(ctx context.Context) error {
		return s.Cache.Save(ctx, key, artifact)
	})
}

func (s *Service) step(ctx context.Context, run *Run, name Step, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		run.Steps = append(run.Steps, StepResult{Step: name, StartedAt: s.now(), Error: err.Error()})
		return &StepError{Step: name, Err: err}
	}

	started := s.now()
	err := fn(ctx)
	result := StepResult{Step: name, StartedAt: started, Duration: s.now().Sub(started)}
	if err != nil {
		result.Error = err.Error()
		run.Steps = append(run.Steps, result)
		return &StepError{Step: name, Err: err}
	}
	run.Steps = append(run.Steps, result)
	return nil
}

func (s *Service) skipStep(run *Run, name Step) {
	run.Steps = append(run.Steps, StepResult{Step: name, StartedAt: s.now(), Skipped: true})
}

func (s *Service) validate() error {
	switch {
	case s.Source == nil:
		return errors.New("source acquirer is not configured")
	case s.Runtime == nil:
		return errors.New("runtime provisioner is not configured")
	case s.Cache == nil:
		return errors.New("cache store is not configured")
	case s.Fetcher == nil:
		return errors.New("fetcher is not configured")
	case s.Registry == nil:
		return errors.New("registry is not configured")
	case s.Builder == nil:
		return errors.New("image builder is not configured")
	case s.Workspace == "":
		return errors.New("workspace is not configured")
	case s.ArtifactName == "":
		return errors.New("artifact name is not configured")
	case s.ArtifactPath == "":
		return errors.New("artifact path is not configured")
	case s.Tag == "":
		return errors.New("image tag is not configured")
	}
	return nil
}

func (s *Service) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

func (s *Service) os() string {
	if s.OS != "" {
		return s.OS
	}
	return runtime.GOOS
}

func (s *Service) registryHost() string {
	if s.Host != "" {
		return s.Host
	}
	return image.RegistryHost(s.Tag)
}

func (s *Service) artifactPath() string {
	if filepath.IsAbs(s.ArtifactPath) {
		return s.ArtifactPath
	}
	return filepath.Join(s.Workspace, s.ArtifactPath)
}

func artifactPresent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
