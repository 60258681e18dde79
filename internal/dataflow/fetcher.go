package dataflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

// Fetcher snapshots the ILOSTAT catalogue straight into the artifact
// database, with no dependency on the upstream project's own tooling.
type Fetcher struct {
	Logger *slog.Logger
	Client *Client

	clock func() time.Time
}

func (f *Fetcher) logger() *slog.Logger {
	return logging.Ensure(f.Logger)
}

func (f *Fetcher) client() *Client {
	if f.Client != nil {
		return f.Client
	}
	return &Client{Logger: f.Logger}
}

func (f *Fetcher) now() time.Time {
	if f.clock != nil {
		return f.clock()
	}
	return time.Now()
}

// Fetch walks the registry and writes the SQLite artifact at dest.
func (f *Fetcher) Fetch(ctx context.Context, dest string) error {
	client := f.client()

	flows, err := client.Dataflows(ctx)
	if err != nil {
		return fmt.Errorf("walking dataflow catalogue: %w", err)
	}
	names, err := client.AreaNames(ctx)
	if err != nil {
		return fmt.Errorf("resolving area names: %w", err)
	}

	if err := WriteDatabase(ctx, dest, flows, names, f.now()); err != nil {
		return err
	}
	f.logger().Info("artifact fetched", "dataflows", len(flows), "dest", dest)
	return nil
}
