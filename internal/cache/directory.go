package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

const metaSuffix = ".json"

// Directory stores each entry as a file named after the escaped key, with a
// JSON sidecar carrying the Entry metadata.
type Directory struct {
	Logger *slog.Logger

	base  string
	clock func() time.Time
}

// NewDirectory opens (creating if necessary) a directory store rooted at base.
func NewDirectory(base string) (*Directory, error) {
	if base == "" {
		return nil, errors.New("cache: base directory must not be empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Directory{base: base, clock: time.Now}, nil
}

// Base returns the directory holding the entries.
func (d *Directory) Base() string {
	return d.base
}

func (d *Directory) logger() *slog.Logger {
	return logging.Ensure(d.Logger)
}

func (d *Directory) now() time.Time {
	if d.clock == nil {
		return time.Now()
	}
	return d.clock()
}

// Restore copies the entry stored under key to dest. A missing entry is a
// clean miss, not an error.
func (d *Directory) Restore(ctx context.Context, key Key, dest string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path := d.artifactPath(key.String())
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting cache entry: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("cache entry %s is a directory", path)
	}

	if err := copyFile(path, dest); err != nil {
		return false, fmt.Errorf("restoring cache entry %s: %w", key, err)
	}

	d.logger().Debug("cache entry restored", "key", key.String(), "bytes", info.Size(), "dest", dest)
	return true, nil
}

// Save copies the artifact at src into the store under key, replacing any
// previous entry and refreshing its sidecar.
func (d *Directory) Save(ctx context.Context, key Key, src string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening artifact for caching: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(d.base, ".incoming-*")
	if err != nil {
		return fmt.Errorf("staging cache entry: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digest := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, digest), in)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}

	name := key.String()
	if err := os.Rename(tmp.Name(), d.artifactPath(name)); err != nil {
		return fmt.Errorf("publishing cache entry: %w", err)
	}

	entry := Entry{
		Key:      name,
		OS:       key.OS,
		Artifact: key.Artifact,
		Branch:   key.Branch,
		Period:   key.Period,
		Size:     size,
		Checksum: hex.EncodeToString(digest.Sum(nil)),
		SavedAt:  d.now().UTC(),
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache entry metadata: %w", err)
	}
	if err := os.WriteFile(d.metaPath(name), payload, 0o644); err != nil {
		return fmt.Errorf("writing cache entry metadata: %w", err)
	}

	d.logger().Debug("cache entry saved", "key", name, "bytes", size)
	return nil
}

// Walk calls fn for every entry with a readable sidecar. Corrupt sidecars
// are skipped with a warning so one bad entry cannot wedge stats or clean.
func (d *Directory) Walk(ctx context.Context, fn func(Entry) error) error {
	files, err := os.ReadDir(d.base)
	if err != nil {
		return fmt.Errorf("listing cache directory: %w", err)
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}

		payload, err := os.ReadFile(filepath.Join(d.base, name))
		if err != nil {
			d.logger().Warn("skipping unreadable cache sidecar", "file", name, "error", err)
			continue
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			d.logger().Warn("skipping corrupt cache sidecar", "file", name, "error", err)
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the entry stored under the canonical key string. Absent
// files are ignored.
func (d *Directory) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, path := range []string{d.artifactPath(key), d.metaPath(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing cache entry %s: %w", key, err)
		}
	}
	return nil
}

func (d *Directory) artifactPath(key string) string {
	return filepath.Join(d.base, url.PathEscape(key))
}

func (d *Directory) metaPath(key string) string {
	return d.artifactPath(key) + metaSuffix
}

// copyFile clones src to dest through a temporary file so readers never see
// a partially written artifact.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".restore-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
