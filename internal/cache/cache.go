// Package cache persists build artifacts between pipeline runs.
//
// Entries are keyed by a month-scoped Key, so a cache naturally turns over
// at month boundaries instead of tracking per-entry TTLs.
package cache

import (
	"context"
	"time"
)

// Store restores and saves artifacts. Implementations must treat Save as a
// full replacement of any previous entry under the same key.
type Store interface {
	// Restore copies the artifact stored under key to dest, creating parent
	// directories as needed. It reports false when no entry exists. Callers
	// that can rebuild the artifact should treat errors as a miss.
	Restore(ctx context.Context, key Key, dest string) (bool, error)

	// Save copies the artifact at src into the store under key.
	Save(ctx context.Context, key Key, src string) error
}

// Walker enumerates and prunes stored entries. The directory store
// implements it for the cache stats and clean commands.
type Walker interface {
	// Walk calls fn for every entry in the store. Returning an error from
	// fn stops the walk.
	Walk(ctx context.Context, fn func(Entry) error) error

	// Remove deletes the entry stored under the given canonical key string.
	// Removing an absent entry is not an error.
	Remove(ctx context.Context, key string) error
}

// Entry describes one stored artifact. It is written next to the artifact
// as a JSON sidecar so the store can be inspected without a database.
type Entry struct {
	Key      string    `json:"key"`
	OS       string    `json:"os"`
	Artifact string    `json:"artifact"`
	Branch   string    `json:"branch"`
	Period   string    `json:"period"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}
