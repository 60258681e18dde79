// Package image builds and publishes the container image that ships the
// pipeline artifact.
package image

import (
	"context"
	"strings"
)

// Credentials identifies the pipeline to a registry. Adapters must pass the
// token over stdin, never as a command argument.
type Credentials struct {
	Username string
	Token    string
}

// BuildSpec describes one image build.
type BuildSpec struct {
	// ContextDir is the build context root.
	ContextDir string
	// Dockerfile names the build definition; empty means the builder's
	// default lookup inside ContextDir.
	Dockerfile string
	// Tag is the reference the built image is stored under.
	Tag string
}

// Builder assembles an image from a build context directory.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) error
}

// Registry authenticates the pipeline and receives published images.
type Registry interface {
	Login(ctx context.Context, host string, creds Credentials) error
	Push(ctx context.Context, tag string) error
}

// RegistryHost extracts the registry component of an image reference.
// Docker treats the first segment as a registry only when it looks like a
// host, so "ubuntu:latest" yields the empty string (Docker Hub).
func RegistryHost(tag string) string {
	segment, _, ok := strings.Cut(tag, "/")
	if !ok {
		return ""
	}
	if segment == "localhost" || strings.ContainsAny(segment, ".:") {
		return segment
	}
	return ""
}
