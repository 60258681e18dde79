package dataflow

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE dataflow (
	id          TEXT PRIMARY KEY,
	agency      TEXT NOT NULL,
	version     TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE area (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE dataflow_area (
	dataflow_id TEXT NOT NULL REFERENCES dataflow(id),
	area_code   TEXT NOT NULL REFERENCES area(code),
	PRIMARY KEY (dataflow_id, area_code)
);

CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// WriteDatabase renders the catalogue as a fresh SQLite database at path.
// The file is assembled under a temporary name and moved into place, so a
// failed fetch never leaves a half-written artifact behind.
func WriteDatabase(ctx context.Context, path string, flows []Dataflow, areaNames map[string]string, fetchedAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fetch-*.db")
	if err != nil {
		return fmt.Errorf("staging artifact: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("opening artifact database: %w", err)
	}

	if err := populate(ctx, db, flows, areaNames, fetchedAt); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing artifact database: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publishing artifact: %w", err)
	}
	return nil
}

func populate(ctx context.Context, db *sql.DB, flows []Dataflow, areaNames map[string]string, fetchedAt time.Time) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating artifact schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("opening artifact transaction: %w", err)
	}
	defer tx.Rollback()

	insertFlow, err := tx.PrepareContext(ctx,
		`INSERT INTO dataflow (id, agency, version, name, description) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing dataflow insert: %w", err)
	}
	defer insertFlow.Close()

	insertArea, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO area (code, name) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing area insert: %w", err)
	}
	defer insertArea.Close()

	insertLink, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO dataflow_area (dataflow_id, area_code) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing dataflow_area insert: %w", err)
	}
	defer insertLink.Close()

	areas := map[string]struct{}{}
	for _, flow := range flows {
		if _, err := insertFlow.ExecContext(ctx, flow.ID, flow.Agency, flow.Version, flow.Name, flow.Description); err != nil {
			return fmt.Errorf("inserting dataflow %s: %w", flow.ID, err)
		}
		for _, code := range flow.Areas {
			if _, err := insertArea.ExecContext(ctx, code, areaNames[code]); err != nil {
				return fmt.Errorf("inserting area %s: %w", code, err)
			}
			if _, err := insertLink.ExecContext(ctx, flow.ID, code); err != nil {
				return fmt.Errorf("linking %s to %s: %w", flow.ID, code, err)
			}
			areas[code] = struct{}{}
		}
	}

	meta := map[string]string{
		"fetched_at":     fetchedAt.UTC().Format(time.RFC3339),
		"dataflow_count": strconv.Itoa(len(flows)),
		"area_count":     strconv.Itoa(len(areas)),
	}
	for key, value := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("writing meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing artifact: %w", err)
	}
	return nil
}
