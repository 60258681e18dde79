package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	config "github.com/justintemps/ilostat-simple-summarizer/config"
	simple "github.com/justintemps/ilostat-simple-summarizer/internal/configurations"
	"github.com/justintemps/ilostat-simple-summarizer/internal/daemon"
	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
	"github.com/justintemps/ilostat-simple-summarizer/internal/pipeline"
	"github.com/justintemps/ilostat-simple-summarizer/internal/setup"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	app := &app{
		levelVar: &levelVar,
		logger:   logging.New(logging.ModeAuto, os.Stderr, &levelVar),
	}
	slog.SetDefault(app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries what every command needs: the logger rebuilt from the
// persistent flags and the config path override.
type app struct {
	levelVar   *slog.LevelVar
	logger     *slog.Logger
	configPath string
}

// environment loads the configuration and resolves the state paths,
// creating the state directories on the way.
func (a *app) environment() (*config.Config, setup.Paths, error) {
	paths, err := setup.ResolvePaths()
	if err != nil {
		return nil, setup.Paths{}, err
	}
	if a.configPath != "" {
		paths.Config = a.configPath
	}
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, setup.Paths{}, err
	}
	if err := setup.EnsureState(paths); err != nil {
		return nil, setup.Paths{}, err
	}
	return cfg, paths, nil
}

func newRootCommand(app *app) *cobra.Command {
	setup.SetLogger(app.logger.With("component", "setup"))

	logLevel := defaultLogLevel
	logFormat := defaultLogFormat

	root := &cobra.Command{
		Use:           "prism",
		Short:         "CI runner that caches, builds, and publishes the ILOSTAT summarizer image",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Set log output style (auto, text, json)")
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "Path to the prism.yaml configuration")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		app.levelVar.Set(level)

		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		app.logger = logging.New(mode, os.Stderr, app.levelVar)
		slog.SetDefault(app.logger)
		setup.SetLogger(app.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newRunCommand(app),
		newFetchCommand(app),
		newBuildCommand(app),
		newPublishCommand(app),
		newRunsCommand(app),
		newCacheCommand(app),
		newDaemonCommand(app),
	)
	return root
}

func newRunCommand(app *app) *cobra.Command {
	var (
		ref    string
		commit string
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run for the current or given ref",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := app.environment()
			if err != nil {
				return err
			}

			req := pipeline.Request{
				Branch: cfg.Branch(ref),
				Commit: cfg.Commit(commit),
				Force:  force,
			}
			cmdLogger := app.logger.With("command", "run", "branch", req.Branch)

			if dryRun {
				plan, err := simple.Plan(cmd.Context(), cfg, paths, req)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			}

			run, err := simple.RunWithLogger(cmd.Context(), cfg, paths, req, app.logger)
			if err != nil {
				return err
			}
			if run == nil {
				cmdLogger.Info("nothing to do for this ref")
				fmt.Fprintln(cmd.OutOrStdout(), "skipped")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tcache=%s\n", run.ID, run.Status, hitOrMiss(run.CacheHit))
			return nil
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "Branch the run is for (defaults to GITHUB_REF_NAME, then the trigger branch)")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit to check out (defaults to GITHUB_SHA, then the remote head)")
	cmd.Flags().BoolVar(&force, "force", false, "Run even when the ref is not the trigger branch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what a run would do without executing it")

	return cmd
}

func newFetchCommand(app *app) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the data artifact without running the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.environment()
			if err != nil {
				return err
			}

			cmdLogger := app.logger.With("command", "fetch")
			if err := simple.FetchWithLogger(cmd.Context(), cfg, dest, app.logger); err != nil {
				cmdLogger.Error("fetch failed", "error", err)
				return err
			}
			cmdLogger.Info("fetch completed")
			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "dest", "", "Write the artifact here instead of the configured path")
	return cmd
}

func newBuildCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build the image from the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.environment()
			if err != nil {
				return err
			}

			cmdLogger := app.logger.With("command", "build")
			if err := simple.BuildImage(cmd.Context(), cfg, app.logger); err != nil {
				cmdLogger.Error("build failed", "error", err)
				return err
			}
			cmdLogger.Info("build completed", "tag", cfg.Image.Tag)
			return nil
		},
	}
}

func newPublishCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Authenticate against the registry and push the configured tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.environment()
			if err != nil {
				return err
			}

			cmdLogger := app.logger.With("command", "publish")
			if err := simple.Publish(cmd.Context(), cfg, app.logger); err != nil {
				cmdLogger.Error("publish failed", "error", err)
				return err
			}
			cmdLogger.Info("publish completed", "tag", cfg.Image.Tag)
			return nil
		},
	}
}

func newRunsCommand(app *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := app.environment()
			if err != nil {
				return err
			}

			runs, err := simple.History(paths, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\tcache=%s\n",
					run.ID, run.StartedAt.UTC().Format(time.RFC3339), run.Branch, run.Status, hitOrMiss(run.CacheHit))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", simple.DefaultHistoryLimit, "Maximum number of runs to show")
	return cmd
}

func newCacheCommand(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the artifact cache",
	}

	cmd.AddCommand(
		newCacheStatsCommand(app),
		newCacheCleanCommand(app),
	)
	return cmd
}

func newCacheStatsCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the artifact cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := app.environment()
			if err != nil {
				return err
			}

			stats, err := simple.CacheStats(cmd.Context(), cfg, paths)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entries:\t%d\n", stats.Entries)
			fmt.Fprintf(out, "size:\t%d bytes\n", stats.TotalSize)
			if len(stats.Periods) > 0 {
				fmt.Fprintf(out, "periods:\t%s\n", strings.Join(stats.Periods, " "))
			}
			if !stats.NewestSave.IsZero() {
				fmt.Fprintf(out, "newest:\t%s\n", stats.NewestSave.UTC().Format(time.RFC3339))
				fmt.Fprintf(out, "oldest:\t%s\n", stats.OldestSave.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCacheCleanCommand(app *app) *cobra.Command {
	var (
		keepMonths int
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cache entries from earlier months",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := app.environment()
			if err != nil {
				return err
			}

			removed, err := simple.CacheClean(cmd.Context(), cfg, paths, keepMonths, all)
			if err != nil {
				return err
			}
			app.logger.Info("cache cleaned", "removed", removed)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", removed)
			return nil
		},
	}

	cmd.Flags().IntVar(&keepMonths, "keep-months", simple.DefaultKeepMonths, "How many past months to keep besides the current one")
	cmd.Flags().BoolVar(&all, "all", false, "Remove every entry regardless of age")
	return cmd
}

func newDaemonCommand(app *app) *cobra.Command {
	var socketPath string
	resolveSocket := func() string {
		path := strings.TrimSpace(socketPath)
		if path != "" {
			return path
		}
		if paths, err := setup.ResolvePaths(); err == nil {
			return paths.Socket
		}
		return daemon.DefaultSocketPath
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the prism trigger daemon",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to the daemon control socket (defaults to the state directory)")

	cmd.AddCommand(
		newDaemonServeCommand(app, resolveSocket),
		newDaemonTriggerCommand(app, resolveSocket),
		newDaemonStopCommand(resolveSocket),
		newDaemonListCommand(resolveSocket),
		newDaemonInspectCommand(resolveSocket),
		newDaemonPingCommand(resolveSocket),
	)

	return cmd
}

func newDaemonServeCommand(app *app, socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := app.environment()
			if err != nil {
				return err
			}

			app.logger.Info("starting daemon", "socket", socketPath())
			if err := simple.ServeWithLogger(cmd.Context(), cfg, paths, socketPath(), app.logger); err != nil {
				return err
			}
			app.logger.Info("daemon stopped")
			return nil
		},
	}
}

func newDaemonTriggerCommand(app *app, socketPath func() string) *cobra.Command {
	var (
		ref    string
		commit string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Queue a run on the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.environment()
			if err != nil {
				return err
			}

			client := daemon.NewClient(socketPath())
			id, err := client.Trigger(daemon.TriggerRequest{
				Branch: cfg.Branch(ref),
				Commit: cfg.Commit(commit),
				Force:  force,
			})
			if err != nil {
				return err
			}
			app.logger.Info("run scheduled", "id", id)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "Branch the run is for (defaults to GITHUB_REF_NAME, then the trigger branch)")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit to check out (defaults to GITHUB_SHA, then the remote head)")
	cmd.Flags().BoolVar(&force, "force", false, "Run even when the ref is not the trigger branch")

	return cmd
}

func newDaemonStopCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Cancel a queued or running trigger (the running one when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) > 0 {
				id = strings.TrimSpace(args[0])
			}

			client := daemon.NewClient(socketPath())
			if err := client.Stop(id); err != nil {
				return err
			}
			if id == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "stopped")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped", id)
			return nil
		},
	}
}

func newDaemonListCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			statuses, err := client.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			for _, status := range statuses {
				state := status.State
				if status.Error != "" {
					state = fmt.Sprintf("%s (%s)", state, status.Error)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", status.ID, status.Branch, state)
			}
			return nil
		},
	}
}

func newDaemonInspectCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show one run in detail",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("run id is required")
			}

			client := daemon.NewClient(socketPath())
			details, err := client.Inspect(id)
			if err != nil {
				return err
			}
			printDetails(cmd.OutOrStdout(), details)
			return nil
		},
	}
}

func newDaemonPingCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			if err := client.Ping(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func printPlan(out io.Writer, plan simple.RunPlan) {
	fmt.Fprintf(out, "branch:\t%s\n", plan.Branch)
	fmt.Fprintf(out, "trigger:\t%t\n", plan.Trigger)
	fmt.Fprintf(out, "cache key:\t%s\n", plan.CacheKey)
	fmt.Fprintf(out, "cache entry:\t%t\n", plan.CacheEntry)
	fmt.Fprintf(out, "artifact:\t%s (present: %t)\n", plan.ArtifactPath, plan.Artifact)
	fmt.Fprintf(out, "would fetch:\t%t\n", plan.WouldFetch)
	fmt.Fprintf(out, "image:\t%s\n", plan.Image)
	if plan.LastRun != nil {
		fmt.Fprintf(out, "last run:\t%s %s at %s\n",
			plan.LastRun.ID, plan.LastRun.Status, plan.LastRun.StartedAt.UTC().Format(time.RFC3339))
	}
}

func printDetails(out io.Writer, details daemon.RunDetails) {
	fmt.Fprintf(out, "id:\t%s\n", details.ID)
	fmt.Fprintf(out, "branch:\t%s\n", details.Branch)
	fmt.Fprintf(out, "state:\t%s\n", details.State)
	if details.Commit != "" {
		fmt.Fprintf(out, "commit:\t%s\n", details.Commit)
	}
	if details.CacheKey != "" {
		fmt.Fprintf(out, "cache key:\t%s\n", details.CacheKey)
		fmt.Fprintf(out, "cache:\t%s\n", hitOrMiss(details.CacheHit))
	}
	if details.Image != "" {
		fmt.Fprintf(out, "image:\t%s\n", details.Image)
	}
	if details.Error != "" {
		fmt.Fprintf(out, "error:\t%s\n", details.Error)
	}
	for _, step := range details.Steps {
		switch {
		case step.Skipped:
			fmt.Fprintf(out, "step %s:\tskipped\n", step.Step)
		case step.Error != "":
			fmt.Fprintf(out, "step %s:\tfailed: %s\n", step.Step, step.Error)
		default:
			fmt.Fprintf(out, "step %s:\t%s\n", step.Step, step.Duration)
		}
	}
}

func hitOrMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
