package lock

import (
	"context"
	"testing"
	"time"
)

func TestMemBackendTryLockExcludesSecondHolder(t *testing.T) {
	backend := NewMemBackend()
	ctx := context.Background()

	ok, err := backend.TryLock(ctx, "customer:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}

	ok, err = backend.TryLock(ctx, "customer:1", time.Minute)
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}
	if ok {
		t.Fatal("expected second TryLock to fail while lock is held")
	}
}

func TestMemBackendUnlockReleasesKey(t *testing.T) {
	backend := NewMemBackend()
	ctx := context.Background()

	if _, err := backend.TryLock(ctx, "k", time.Minute); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := backend.Unlock(ctx, "k"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ok, err := backend.TryLock(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock to be reacquirable after unlock: ok=%v err=%v", ok, err)
	}
}

func TestMemBackendLockExpires(t *testing.T) {
	backend := NewMemBackend()
	ctx := context.Background()

	if _, err := backend.TryLock(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	ok, err := backend.TryLock(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock to be reacquirable after expiry: ok=%v err=%v", ok, err)
	}
}

func TestMemBackendSeenBeforeDedup(t *testing.T) {
	backend := NewMemBackend()
	ctx := context.Background()

	seen, err := backend.SeenBefore(ctx, "hash1", time.Hour)
	if err != nil {
		t.Fatalf("SeenBefore 1: %v", err)
	}
	if seen {
		t.Fatal("expected first SeenBefore to report false (not seen)")
	}

	seen, err = backend.SeenBefore(ctx, "hash1", time.Hour)
	if err != nil {
		t.Fatalf("SeenBefore 2: %v", err)
	}
	if !seen {
		t.Fatal("expected second SeenBefore to report true (already seen)")
	}
}

func TestWithLockRunsFnWhenAcquired(t *testing.T) {
	backend := NewMemBackend()
	ran := false
	err := WithLock(context.Background(), backend, "job", time.Minute, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run while lock held")
	}

	// Lock should be released after WithLock returns.
	ok, err := backend.TryLock(context.Background(), "job", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock released after WithLock: ok=%v err=%v", ok, err)
	}
}

func TestWithLockFailsWhenAlreadyHeld(t *testing.T) {
	backend := NewMemBackend()
	ctx := context.Background()
	if _, err := backend.TryLock(ctx, "busy", time.Minute); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	err := WithLock(ctx, backend, "busy", time.Minute, func() error {
		t.Fatal("fn should not run when lock is already held")
		return nil
	})
	if err == nil {
		t.Fatal("expected WithLock to fail on contention")
	}
}
