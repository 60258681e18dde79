// Package setup resolves where the runner keeps its configuration and state
// on the host. It is a collection of small environment helpers, and is
// therefore the only package that is allowed to call a global logger.
package setup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const AppName = "prism"

// ConfigFileName is looked for in the working directory first, then under
// the user config directory.
const ConfigFileName = "prism.yaml"

const (
	configEnv   = "PRISM_CONFIG"
	stateDirEnv = "PRISM_STATE_DIR"
)

var packageLogger *slog.Logger = slog.Default()

// SetLogger configures the package logger used for setup operations.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger = slog.Default()
		return
	}
	packageLogger = logger
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger
	}
	return slog.Default()
}

// Paths holds the resolved filesystem locations for one host.
type Paths struct {
	Config string // optional config file, empty when none exists
	State  string
	Cache  string
	Runs   string
	Lock   string
	Socket string
}

// ResolvePaths works out where configuration and state live. PRISM_CONFIG
// and PRISM_STATE_DIR override the user-directory defaults.
func ResolvePaths() (Paths, error) {
	state, err := stateDir()
	if err != nil {
		return Paths{}, err
	}
	config, err := configPath()
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		Config: config,
		State:  state,
		Cache:  filepath.Join(state, "cache"),
		Runs:   filepath.Join(state, "runs"),
		Lock:   filepath.Join(state, "run.lock"),
		Socket: filepath.Join(state, "daemon.sock"),
	}, nil
}

// EnsureState creates the state directories the runner writes into.
func EnsureState(paths Paths) error {
	for _, dir := range []string{paths.Cache, paths.Runs} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}
	getLogger().Debug("state directories ready", "state", paths.State)
	return nil
}

func stateDir() (string, error) {
	if dir := os.Getenv(stateDirEnv); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache directory: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// configPath returns the config file to load, or empty when the runner
// should fall back to built-in defaults. A file named through PRISM_CONFIG
// must exist.
func configPath() (string, error) {
	if path := os.Getenv(configEnv); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file from %s: %w", configEnv, err)
		}
		return path, nil
	}
	if _, err := os.Stat(ConfigFileName); err == nil {
		return ConfigFileName, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", nil
	}
	candidate := filepath.Join(base, AppName, ConfigFileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", nil
}
