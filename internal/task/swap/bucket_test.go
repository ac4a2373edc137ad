package swap

import (
	"testing"
	"time"
)

func TestThrottledLockedPrunesAndHints(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b, err := newBucket(Bucket{
		Name:   "video-1",
		Config: BucketConfig{Throttle: &Throttle{Window: time.Minute, Limit: 2}},
		// Out of order on purpose: the oldest live entry decides the hint.
		Completions: []time.Time{now.Add(-10 * time.Second), now.Add(-2 * time.Minute), now.Add(-40 * time.Second)},
	})
	if err != nil {
		t.Fatalf("newBucket: %v", err)
	}

	limited, wait := b.throttledLocked(now)
	if !limited {
		t.Fatal("expected bucket to be throttled")
	}
	if wait != 20*time.Second {
		t.Fatalf("wait = %v, want 20s", wait)
	}
	if len(b.completions) != 2 {
		t.Fatalf("expired completion not pruned: %v", b.completions)
	}

	limited, _ = b.throttledLocked(now.Add(21 * time.Second))
	if limited {
		t.Fatal("expected window to have room after the oldest entry expired")
	}
}

func TestUnthrottledBucketKeepsNoTimestamps(t *testing.T) {
	t.Parallel()
	b, err := newBucket(NewBucket("text-1", BucketConfig{MaxSequentialSwaps: 1}))
	if err != nil {
		t.Fatalf("newBucket: %v", err)
	}
	now := time.Now()
	for i := 0; i < 100; i++ {
		b.recordLocked(now)
	}
	if len(b.completions) != 0 || b.finished != 100 {
		t.Fatalf("completions=%d finished=%d", len(b.completions), b.finished)
	}
	if limited, _ := b.throttledLocked(now); limited {
		t.Fatal("unthrottled bucket reported throttled")
	}
}

func TestBucketKind(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"photo-42":   "photo",
		"video-7":    "video",
		"plain":      "plain",
		"a-b-c":      "a-b",
		"text-12345": "text",
	}
	for in, want := range tests {
		if got := bucketKind(in); got != want {
			t.Fatalf("bucketKind(%q) = %q, want %q", in, got, want)
		}
	}
}
