package cache

import (
	"context"
	"sort"
	"time"
)

// Stats summarises the entries of a store for the cache tooling.
type Stats struct {
	Entries    int
	TotalSize  int64
	Periods    []string
	OldestSave time.Time
	NewestSave time.Time
}

// Summarize walks the store and aggregates entry metadata.
func Summarize(ctx context.Context, w Walker) (Stats, error) {
	var stats Stats
	periods := make(map[string]struct{})

	err := w.Walk(ctx, func(entry Entry) error {
		stats.Entries++
		stats.TotalSize += entry.Size
		periods[entry.Period] = struct{}{}
		if stats.OldestSave.IsZero() || entry.SavedAt.Before(stats.OldestSave) {
			stats.OldestSave = entry.SavedAt
		}
		if entry.SavedAt.After(stats.NewestSave) {
			stats.NewestSave = entry.SavedAt
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	for period := range periods {
		stats.Periods = append(stats.Periods, period)
	}
	sort.Strings(stats.Periods)
	return stats, nil
}

// Clean removes every entry keep rejects and reports how many were removed.
// A nil keep removes everything.
func Clean(ctx context.Context, w Walker, keep func(Entry) bool) (int, error) {
	var doomed []string
	err := w.Walk(ctx, func(entry Entry) error {
		if keep == nil || !keep(entry) {
			doomed = append(doomed, entry.Key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i, key := range doomed {
		if err := w.Remove(ctx, key); err != nil {
			return i, err
		}
	}
	return len(doomed), nil
}

// KeepSince returns a keep predicate retaining entries at most months
// calendar months older than now's UTC month. The month arithmetic works on
// year and month directly so end-of-month dates cannot skew the cutoff.
func KeepSince(now time.Time, months int) func(Entry) bool {
	year, month, _ := now.UTC().Date()
	index := year*12 + int(month) - 1 - months
	cutoff := time.Date(index/12, time.Month(index%12+1), 1, 0, 0, 0, 0, time.UTC).Format(monthLayout)
	return func(entry Entry) bool {
		return entry.Period >= cutoff
	}
}
