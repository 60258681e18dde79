// Package simple wires the pipeline the way the CLI and daemon consume it:
// each entry point builds its object graph from one Config plus the
// resolved state paths, runs, and tears down.
package simple

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/justintemps/ilostat-simple-summarizer/config"
	"github.com/justintemps/ilostat-simple-summarizer/internal/cache"
	"github.com/justintemps/ilostat-simple-summarizer/internal/daemon"
	"github.com/justintemps/ilostat-simple-summarizer/internal/dataflow"
	"github.com/justintemps/ilostat-simple-summarizer/internal/fetch"
	"github.com/justintemps/ilostat-simple-summarizer/internal/image"
	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
	"github.com/justintemps/ilostat-simple-summarizer/internal/pipeline"
	"github.com/justintemps/ilostat-simple-summarizer/internal/provision"
	localrepositories "github.com/justintemps/ilostat-simple-summarizer/internal/repositories/local"
	"github.com/justintemps/ilostat-simple-summarizer/internal/setup"
	"github.com/justintemps/ilostat-simple-summarizer/internal/source"
)

// DefaultKeepMonths is how much cache history Clean retains: the current
// period plus the two before it.
var DefaultKeepMonths = 2

// DefaultHistoryLimit caps how many run records History returns.
var DefaultHistoryLimit = 20

// Run executes one gated pipeline run end to end.
func Run(ctx context.Context, cfg *config.Config, paths setup.Paths, req pipeline.Request) (*pipeline.Run, error) {
	return RunWithLogger(ctx, cfg, paths, req, nil)
}

// RunWithLogger executes one gated pipeline run end to end using the
// provided logger.
func RunWithLogger(ctx context.Context, cfg *config.Config, paths setup.Paths, req pipeline.Request, logger *slog.Logger) (*pipeline.Run, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	gate, err := newTrigger(cfg, paths, logger)
	if err != nil {
		return nil, err
	}
	return gate.Run(ctx, req)
}

// Serve runs the trigger daemon on the given socket until ctx is cancelled.
// An empty socket falls back to the one under the state directory.
func Serve(ctx context.Context, cfg *config.Config, paths setup.Paths, socket string) error {
	return ServeWithLogger(ctx, cfg, paths, socket, nil)
}

// ServeWithLogger runs the trigger daemon using the provided logger.
func ServeWithLogger(ctx context.Context, cfg *config.Config, paths setup.Paths, socket string, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	gate, err := newTrigger(cfg, paths, logger)
	if err != nil {
		return err
	}
	if socket == "" {
		socket = paths.Socket
	}

	server := &daemon.Server{
		Logger:   logger.With("service", "daemon"),
		Socket:   socket,
		Pipeline: gate,
		Runs:     &localrepositories.RunRepository{BaseDir: paths.Runs},
	}
	return server.Start(ctx)
}

// Fetch runs only the fetch stage, writing the artifact at dest. An empty
// dest falls back to the configured artifact path.
func Fetch(ctx context.Context, cfg *config.Config, dest string) error {
	return FetchWithLogger(ctx, cfg, dest, nil)
}

// FetchWithLogger runs only the fetch stage using the provided logger.
func FetchWithLogger(ctx context.Context, cfg *config.Config, dest string, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return err
	}
	if dest == "" {
		dest = artifactPath(cfg)
	}
	return fetcher.Fetch(ctx, dest)
}

// BuildImage runs only the image build against the workspace.
func BuildImage(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	docker := newDocker(cfg, logger)
	return docker.Build(ctx, image.BuildSpec{
		ContextDir: cfg.Workspace,
		Dockerfile: cfg.Image.Dockerfile,
		Tag:        cfg.Image.Tag,
	})
}

// Publish authenticates against the registry and pushes the configured tag.
func Publish(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	creds, err := cfg.RegistryCredentials()
	if err != nil {
		return err
	}
	docker := newDocker(cfg, logger)
	if err := docker.Login(ctx, registryHost(cfg), creds); err != nil {
		return err
	}
	return docker.Push(ctx, cfg.Image.Tag)
}

// RunPlan describes what a run would do without executing anything.
type RunPlan struct {
	Branch       string
	Trigger      bool
	CacheKey     string
	CacheEntry   bool
	ArtifactPath string
	Artifact     bool
	WouldFetch   bool
	Image        string
	// LastRun is the most recent recorded run, nil when none exist.
	LastRun *pipeline.Run
}

// Plan previews the next run for req without touching the workspace, the
// registry, or the cache slot.
func Plan(ctx context.Context, cfg *config.Config, paths setup.Paths, req pipeline.Request) (RunPlan, error) {
	key := cache.NewKey(runtime.GOOS, cfg.Artifact.Name, req.Branch, time.Now().UTC())
	if err := key.Validate(); err != nil {
		return RunPlan{}, err
	}

	plan := RunPlan{
		Branch:       req.Branch,
		Trigger:      req.Branch == cfg.Trigger.Branch || req.Force,
		CacheKey:     key.String(),
		ArtifactPath: artifactPath(cfg),
		Image:        cfg.Image.Tag,
	}

	store, err := cache.NewDirectory(cacheDir(cfg, paths))
	if err != nil {
		return RunPlan{}, err
	}
	err = store.Walk(ctx, func(entry cache.Entry) error {
		if entry.Key == plan.CacheKey {
			plan.CacheEntry = true
		}
		return nil
	})
	if err != nil {
		return RunPlan{}, err
	}

	if info, err := os.Stat(plan.ArtifactPath); err == nil && !info.IsDir() {
		plan.Artifact = true
	}
	plan.WouldFetch = !plan.Artifact && !plan.CacheEntry

	last, err := (&localrepositories.RunRepository{BaseDir: paths.Runs}).Latest()
	if err != nil {
		return RunPlan{}, err
	}
	plan.LastRun = last
	return plan, nil
}

// History returns the most recent run records, newest first.
func History(paths setup.Paths, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	runs, err := (&localrepositories.RunRepository{BaseDir: paths.Runs}).List()
	if err != nil {
		return nil, err
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// CacheStats summarises the artifact cache.
func CacheStats(ctx context.Context, cfg *config.Config, paths setup.Paths) (cache.Stats, error) {
	store, err := cache.NewDirectory(cacheDir(cfg, paths))
	if err != nil {
		return cache.Stats{}, err
	}
	return cache.Summarize(ctx, store)
}

// CacheClean prunes cache entries older than keepMonths calendar months,
// or everything when all is set. It reports how many entries were removed.
func CacheClean(ctx context.Context, cfg *config.Config, paths setup.Paths, keepMonths int, all bool) (int, error) {
	store, err := cache.NewDirectory(cacheDir(cfg, paths))
	if err != nil {
		return 0, err
	}
	var keep func(cache.Entry) bool
	if !all {
		if keepMonths < 0 {
			keepMonths = DefaultKeepMonths
		}
		keep = cache.KeepSince(time.Now().UTC(), keepMonths)
	}
	return cache.Clean(ctx, store, keep)
}

// newTrigger assembles the full gated pipeline graph.
func newTrigger(cfg *config.Config, paths setup.Paths, logger *slog.Logger) (*pipeline.Trigger, error) {
	service, err := newService(cfg, paths, logger)
	if err != nil {
		return nil, err
	}
	// Credentials are per-run environment inputs; when absent, the
	// authentication step reports it.
	if creds, err := cfg.RegistryCredentials(); err == nil {
		service.Credentials = creds
	} else {
		logger.Debug("registry credentials unresolved", "error", err)
	}

	return &pipeline.Trigger{
		Logger:   logger.With("component", "trigger"),
		Pipeline: service,
		Branch:   cfg.Trigger.Branch,
		LockPath: paths.Lock,
	}, nil
}

func newService(cfg *config.Config, paths setup.Paths, logger *slog.Logger) (*pipeline.Service, error) {
	store, err := cache.NewDirectory(cacheDir(cfg, paths))
	if err != nil {
		return nil, err
	}
	store.Logger = logger.With("component", "cache")

	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return nil, err
	}

	tools := provision.NewTools(cfg.Runtime.Requirements)
	tools.Logger = logger.With("component", "runtime")
	tools.Workspace = cfg.Workspace
	tools.Dirs = []string{filepath.Dir(cfg.Artifact.Path)}

	docker := newDocker(cfg, logger)

	return &pipeline.Service{
		Logger: logger.With("service", "pipeline"),
		Source: &source.Git{
			Logger: logger.With("component", "source"),
			Remote: cfg.Source.Remote,
			Ref:    cfg.Source.Ref,
		},
		Runtime:  tools,
		Cache:    store,
		Fetcher:  fetcher,
		Registry: docker,
		Builder:  docker,
		Runs: &localrepositories.RunRepository{
			BaseDir: paths.Runs,
		},
		Workspace:    cfg.Workspace,
		ArtifactName: cfg.Artifact.Name,
		ArtifactPath: cfg.Artifact.Path,
		Tag:          cfg.Image.Tag,
		Dockerfile:   cfg.Image.Dockerfile,
		Host:         cfg.Image.Registry,
	}, nil
}

func newFetcher(cfg *config.Config, logger *slog.Logger) (fetch.Fetcher, error) {
	switch cfg.Fetch.Kind {
	case config.FetchIlostat:
		return &dataflow.Fetcher{
			Logger: logger.With("component", "fetch"),
			Client: &dataflow.Client{
				Logger:  logger.With("component", "sdmx"),
				BaseURL: cfg.Fetch.BaseURL,
				Agency:  cfg.Fetch.Agency,
				Limit:   cfg.Fetch.Limit,
			},
		}, nil
	case config.FetchExec:
		fetcher, err := fetch.NewCommand(&fetch.CommandConfig{
			Command: cfg.Fetch.Command,
			Dir:     cfg.Fetch.Dir,
		})
		if err != nil {
			return nil, err
		}
		fetcher.Logger = logger.With("component", "fetch")
		return fetcher, nil
	}
	return nil, fmt.Errorf("unknown fetch kind %q", cfg.Fetch.Kind)
}

func newDocker(cfg *config.Config, logger *slog.Logger) *image.Docker {
	return &image.Docker{
		Logger:    logger.With("driver", "docker"),
		BuildArgs: cfg.Image.BuildArgs,
	}
}

func registryHost(cfg *config.Config) string {
	if cfg.Image.Registry != "" {
		return cfg.Image.Registry
	}
	return image.RegistryHost(cfg.Image.Tag)
}

func artifactPath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Artifact.Path) {
		return cfg.Artifact.Path
	}
	return filepath.Join(cfg.Workspace, cfg.Artifact.Path)
}

func cacheDir(cfg *config.Config, paths setup.Paths) string {
	if cfg.Cache.Dir != "" {
		return cfg.Cache.Dir
	}
	return paths.Cache
}
