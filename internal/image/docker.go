package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

// Docker shells out to the docker CLI for builds, logins, and pushes.
// Command output streams to the process streams so run logs carry the
// full build transcript.
type Docker struct {
	Logger *slog.Logger

	// BuildArgs are appended to docker build, e.g. --platform or --no-cache.
	BuildArgs []string

	run func(ctx context.Context, stdin io.Reader, args ...string) error
}

func (d *Docker) logger() *slog.Logger {
	return logging.Ensure(d.Logger)
}

// Build assembles spec.ContextDir into an image tagged spec.Tag.
func (d *Docker) Build(ctx context.Context, spec BuildSpec) error {
	if spec.ContextDir == "" {
		return errors.New("image: build context directory must not be empty")
	}
	if spec.Tag == "" {
		return errors.New("image: tag must not be empty")
	}

	args := []string{"build", "--tag", spec.Tag}
	if spec.Dockerfile != "" {
		args = append(args, "--file", spec.Dockerfile)
	}
	args = append(args, d.BuildArgs...)
	args = append(args, spec.ContextDir)

	d.logger().Info("building image", "tag", spec.Tag, "context", spec.ContextDir)
	if err := d.docker(ctx, nil, args...); err != nil {
		return fmt.Errorf("docker build failed: %w", err)
	}
	return nil
}

// Login authenticates against host. The token travels over stdin so it
// never appears in process listings.
func (d *Docker) Login(ctx context.Context, host string, creds Credentials) error {
	if creds.Username == "" {
		return errors.New("image: registry username must not be empty")
	}
	if creds.Token == "" {
		return errors.New("image: registry token must not be empty")
	}

	args := []string{"login", "--username", creds.Username, "--password-stdin"}
	if host != "" {
		args = append(args, host)
	}

	d.logger().Info("authenticating to registry", "registry", host, "username", creds.Username)
	if err := d.docker(ctx, strings.NewReader(creds.Token), args...); err != nil {
		return fmt.Errorf("docker login failed: %w", err)
	}
	return nil
}

// Push uploads the tagged image.
func (d *Docker) Push(ctx context.Context, tag string) error {
	if tag == "" {
		return errors.New("image: tag must not be empty")
	}

	d.logger().Info("pushing image", "tag", tag)
	if err := d.docker(ctx, nil, "push", tag); err != nil {
		return fmt.Errorf("docker push failed: %w", err)
	}
	return nil
}

func (d *Docker) docker(ctx context.Context, stdin io.Reader, args ...string) error {
	if d.run != nil {
		return d.run(ctx, stdin, args...)
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
