// Package config describes the prism.yaml pipeline configuration and the
// per-run inputs the hosting platform supplies through the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/justintemps/ilostat-simple-summarizer/internal/image"
	"github.com/justintemps/ilostat-simple-summarizer/internal/provision"
)

// Defaults mirroring the workflow the pipeline replaces.
const (
	DefaultTriggerBranch = "main"
	DefaultArtifactName  = "ilo-prism-db"
	DefaultArtifactPath  = "store/ilo-prism.db"
	DefaultImageTag      = "ghcr.io/justintemps/ilostat-simple-summarizer:latest"
	DefaultFetchCommand  = "python -m ilostat.ilostat"
)

// Environment variables consulted for per-run inputs. The PRISM_* names win
// over the GITHUB_* equivalents the hosting platform sets.
const (
	EnvActor       = "PRISM_ACTOR"
	EnvGithubActor = "GITHUB_ACTOR"
	EnvToken       = "PRISM_TOKEN"
	EnvGithubToken = "GITHUB_TOKEN"
	EnvRefName     = "GITHUB_REF_NAME"
	EnvCommit      = "GITHUB_SHA"
)

// Fetch kinds.
const (
	// FetchExec shells out to a command template, the way the original
	// workflow invoked the project's own data tooling.
	FetchExec = "exec"
	// FetchIlostat walks the ILOSTAT SDMX registry directly.
	FetchIlostat = "ilostat"
)

// Config is the root of prism.yaml.
type Config struct {
	// Workspace is the checkout directory and image build context.
	Workspace string         `yaml:"workspace,omitempty"`
	Trigger   TriggerConfig  `yaml:"trigger,omitempty"`
	Source    SourceConfig   `yaml:"source,omitempty"`
	Runtime   RuntimeConfig  `yaml:"runtime,omitempty"`
	Artifact  ArtifactConfig `yaml:"artifact,omitempty"`
	Fetch     FetchConfig    `yaml:"fetch,omitempty"`
	Image     ImageConfig    `yaml:"image,omitempty"`
	Cache     CacheConfig    `yaml:"cache,omitempty"`
}

// TriggerConfig names the branch that runs the pipeline.
type TriggerConfig struct {
	Branch string `yaml:"branch,omitempty"`
}

// SourceConfig describes where the source tree comes from. An empty remote
// means the workspace already holds a checkout.
type SourceConfig struct {
	Remote string `yaml:"remote,omitempty"`
	Ref    string `yaml:"ref,omitempty"`
}

// RuntimeConfig pins the external tools a run probes before building.
type RuntimeConfig struct {
	Requirements []provision.Requirement `yaml:"requirements,omitempty"`
}

// ArtifactConfig names the cached artifact and locates it in the workspace.
type ArtifactConfig struct {
	Name string `yaml:"name,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// FetchConfig selects and configures the fetcher used on cache misses.
type FetchConfig struct {
	Kind string `yaml:"kind,omitempty"`

	// Command and Dir configure the exec fetcher. The command template
	// sees {{.ArtifactPath}} and {{.WorkDir}}; Dir defaults to Workspace.
	Command string `yaml:"command,omitempty"`
	Dir     string `yaml:"dir,omitempty"`

	// BaseURL, Agency, and Limit configure the ilostat fetcher.
	BaseURL string `yaml:"base_url,omitempty"`
	Agency  string `yaml:"agency,omitempty"`
	Limit   int    `yaml:"limit,omitempty"`
}

// ImageConfig describes the image every run publishes.
type ImageConfig struct {
	Tag string `yaml:"tag,omitempty"`
	// Registry overrides the host derived from Tag.
	Registry   string   `yaml:"registry,omitempty"`
	Dockerfile string   `yaml:"dockerfile,omitempty"`
	BuildArgs  []string `yaml:"build_args,omitempty"`
	// Username is the login fallback when no actor is in the environment.
	Username string `yaml:"username,omitempty"`
}

// CacheConfig locates the artifact cache. An empty dir means the store
// under the state directory.
type CacheConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// Load reads the configuration at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(payload, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.Trigger.Branch == "" {
		c.Trigger.Branch = DefaultTriggerBranch
	}
	if c.Artifact.Name == "" {
		c.Artifact.Name = DefaultArtifactName
	}
	if c.Artifact.Path == "" {
		c.Artifact.Path = DefaultArtifactPath
	}
	if c.Image.Tag == "" {
		c.Image.Tag = DefaultImageTag
	}
	if c.Fetch.Kind == "" {
		c.Fetch.Kind = FetchExec
	}
	if c.Fetch.Kind == FetchExec {
		if c.Fetch.Command == "" {
			c.Fetch.Command = DefaultFetchCommand
		}
		if c.Fetch.Dir == "" {
			c.Fetch.Dir = c.Workspace
		}
	}
}

// Validate rejects configurations no run could execute.
func (c *Config) Validate() error {
	switch c.Fetch.Kind {
	case FetchExec, FetchIlostat:
	default:
		return fmt.Errorf("unknown fetch kind %q", c.Fetch.Kind)
	}
	if strings.TrimSpace(c.Image.Tag) == "" {
		return errors.New("image tag must not be empty")
	}
	if strings.TrimSpace(c.Artifact.Name) == "" {
		return errors.New("artifact name must not be empty")
	}
	if strings.TrimSpace(c.Artifact.Path) == "" {
		return errors.New("artifact path must not be empty")
	}
	return nil
}

// RegistryCredentials resolves the registry login from the environment. The
// configured username is the last fallback for the actor; the token has no
// configured fallback so it never ends up in a file.
func (c *Config) RegistryCredentials() (image.Credentials, error) {
	username := firstEnv(EnvActor, EnvGithubActor)
	if username == "" {
		username = c.Image.Username
	}
	token := firstEnv(EnvToken, EnvGithubToken)

	switch {
	case username == "":
		return image.Credentials{}, fmt.Errorf("registry username not set: export %s or configure image.username", EnvActor)
	case token == "":
		return image.Credentials{}, fmt.Errorf("registry token not set: export %s", EnvToken)
	}
	return image.Credentials{Username: username, Token: token}, nil
}

// Branch picks the ref a run is for: an explicit value wins, then the
// hosting platform's ref name, then the configured trigger branch.
func (c *Config) Branch(explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if ref := firstEnv(EnvRefName); ref != "" {
		return ref
	}
	return c.Trigger.Branch
}

// Commit returns the explicitly pinned revision, falling back to the
// hosting platform's SHA. Empty means whatever the checkout is on.
func (c *Config) Commit(explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	return firstEnv(EnvCommit)
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return ""
}
