package swap

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// slot is a job occupying a bucket's current or next position.
type slot struct {
	id        string
	job       Job
	onDropped func()

	queuedAt  time.Time
	startedAt time.Time

	// Set when the job starts; nil while it only sits in next.
	ctx    context.Context
	cancel context.CancelFunc
}

// bucket is guarded by Manager.mu.
type bucket struct {
	name string
	cfg  BucketConfig

	current *slot
	next    *slot

	remainingSwaps int
	completions    []time.Time // only kept when throttled
	finished       uint64
}

func newBucket(b Bucket) (*bucket, error) {
	name := strings.TrimSpace(b.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidBucket)
	}
	if err := validateConfig(b.Config); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidBucket, name, err)
	}
	if b.RemainingSwaps < 0 {
		return nil, fmt.Errorf("%w %q: remaining swaps must be >= 0", ErrInvalidBucket, name)
	}
	cfg := b.Config
	if cfg.Throttle != nil {
		t := *cfg.Throttle
		cfg.Throttle = &t
	}
	return &bucket{
		name:           name,
		cfg:            cfg,
		remainingSwaps: b.RemainingSwaps,
		completions:    append([]time.Time(nil), b.Completions...),
	}, nil
}

func validateConfig(cfg BucketConfig) error {
	if cfg.MaxSequentialSwaps < 0 {
		return fmt.Errorf("max sequential swaps must be >= 0")
	}
	if t := cfg.Throttle; t != nil {
		if t.Window <= 0 {
			return fmt.Errorf("throttle window must be > 0")
		}
		if t.Limit < 1 {
			return fmt.Errorf("throttle limit must be >= 1")
		}
	}
	return nil
}

// pruneLocked drops completions that have aged out of the throttle window.
// Completions are appended in clock order, but a filter keeps this correct
// even if an injected clock steps backwards.
func (b *bucket) pruneLocked(now time.Time) {
	t := b.cfg.Throttle
	if t == nil || len(b.completions) == 0 {
		return
	}
	kept := b.completions[:0]
	for _, at := range b.completions {
		if now.Sub(at) < t.Window {
			kept = append(kept, at)
		}
	}
	// Release references held past the new length.
	for i := len(kept); i < len(b.completions); i++ {
		b.completions[i] = time.Time{}
	}
	b.completions = kept
}

// throttledLocked reports whether another completion would exceed the window,
// and if so how long until the oldest completion expires.
func (b *bucket) throttledLocked(now time.Time) (bool, time.Duration) {
	t := b.cfg.Throttle
	if t == nil {
		return false, 0
	}
	b.pruneLocked(now)
	if len(b.completions) < t.Limit {
		return false, 0
	}
	oldest := b.completions[0]
	for _, at := range b.completions[1:] {
		if at.Before(oldest) {
			oldest = at
		}
	}
	wait := oldest.Add(t.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return true, wait
}

// windowCountLocked counts completions inside the window without mutating state.
func (b *bucket) windowCountLocked(now time.Time) int {
	t := b.cfg.Throttle
	if t == nil {
		return 0
	}
	n := 0
	for _, at := range b.completions {
		if now.Sub(at) < t.Window {
			n++
		}
	}
	return n
}

func (b *bucket) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		Name:               b.name,
		RemainingSwaps:     b.remainingSwaps,
		MaxSequentialSwaps: b.cfg.MaxSequentialSwaps,
		Completions:        b.windowCountLocked(now),
		Finished:           b.finished,
	}
	if b.current != nil {
		s.Running = b.current.id
		s.RunningSince = b.current.startedAt
	}
	if b.next != nil {
		s.Pending = b.next.id
	}
	return s
}

// recordLocked notes a successful run.
func (b *bucket) recordLocked(now time.Time) {
	b.finished++
	if b.cfg.Throttle != nil {
		b.completions = append(b.completions, now)
	}
}
