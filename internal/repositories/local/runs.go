// Package local persists pipeline state as plain files on disk.
package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/justintemps/ilostat-simple-summarizer/internal/pipeline"
)

// RunRepository stores one JSON document per run under BaseDir.
type RunRepository struct {
	BaseDir string
}

// Save writes the run record under its ID, replacing any previous version.
func (r *RunRepository) Save(run *pipeline.Run) error {
	if r.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if run == nil || run.ID == "" {
		return errors.New("run record needs an id")
	}

	if err := os.MkdirAll(r.BaseDir, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path(run.ID), payload, 0o644)
}

// Get loads one run by ID.
func (r *RunRepository) Get(id string) (*pipeline.Run, error) {
	payload, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}

	var run pipeline.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

// List returns every readable run record, newest first.
func (r *RunRepository) List() ([]*pipeline.Run, error) {
	entries, err := os.ReadDir(r.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var runs []*pipeline.Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		run, err := r.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// Latest returns the most recent run, or nil when none exist.
func (r *RunRepository) Latest() (*pipeline.Run, error) {
	runs, err := r.List()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

func (r *RunRepository) path(id string) string {
	return filepath.Join(r.BaseDir, id+".json")
}
