package profile

import (
	"os"
	"testing"

	"webauto/internal/apierr"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := NewLocker(t.TempDir())

	if err := l.Acquire("xhs_test", os.Getpid()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !l.IsHeldByThisProcess("xhs_test") {
		t.Fatal("expected lock to be held")
	}

	l.Release("xhs_test")
	if l.IsHeldByThisProcess("xhs_test") {
		t.Fatal("expected lock to be released")
	}

	// Idempotent release
	l.Release("xhs_test")
}

func TestAcquireBusyWhenAlreadyHeld(t *testing.T) {
	l := NewLocker(t.TempDir())

	if err := l.Acquire("xhs_test", os.Getpid()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release("xhs_test")

	err := l.Acquire("xhs_test", os.Getpid()+1)
	if err == nil {
		t.Fatal("expected PROFILE_BUSY error")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeProfileBusy {
		t.Fatalf("expected PROFILE_BUSY, got %v", err)
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	root := t.TempDir()
	l1 := NewLocker(root)

	// A pid that is exceedingly unlikely to be alive.
	stalePid := 999999
	if err := l1.Acquire("xhs_test", stalePid); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate process death: forget this Locker's own bookkeeping so the
	// next Acquire call has to go through the on-disk reclaim path.
	l2 := NewLocker(root)
	if err := l2.Acquire("xhs_test", os.Getpid()); err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got: %v", err)
	}
	l2.Release("xhs_test")
}
