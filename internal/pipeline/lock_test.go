package pipeline

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquireLockExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "locks", "run.lock")

	first, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() returned error: %v", err)
	}

	if _, err := AcquireLock(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() returned error: %v", err)
	}

	second, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() after release returned error: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("Release() returned error: %v", err)
	}
}

func TestLockReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	lock, err := AcquireLock(filepath.Join(t.TempDir(), "run.lock"))
	if err != nil {
		t.Fatalf("AcquireLock() returned error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() returned error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() returned error: %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Fatalf("nil Release() returned error: %v", err)
	}
}
