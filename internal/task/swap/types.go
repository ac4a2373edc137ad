package swap

import (
	"context"
	"time"
)

// Job is a unit of work submitted to a bucket.
//
// ctx is cancelled when a newer job preempts this one or the manager is
// closed. Jobs must return promptly once ctx is done. Results are delivered
// by the job itself (channel, callback, reply), never through Push.
type Job func(ctx context.Context) error

// Throttle caps completed runs per rolling window.
type Throttle struct {
	Window time.Duration
	Limit  int
}

// BucketConfig is the fixed policy of a bucket.
type BucketConfig struct {
	// MaxSequentialSwaps is how many times a running job may be preempted
	// before the bucket lets one run to completion. 0 disables preemption.
	MaxSequentialSwaps int

	// Throttle is optional; nil means unlimited completions.
	Throttle *Throttle
}

// Bucket is the registration value for Manager.Add.
//
// RemainingSwaps and Completions seed the bucket's initial state; most
// callers use NewBucket.
type Bucket struct {
	Name           string
	RemainingSwaps int
	Completions    []time.Time
	Config         BucketConfig
}

// NewBucket returns a fresh bucket with a full swap budget.
func NewBucket(name string, cfg BucketConfig) Bucket {
	return Bucket{Name: name, RemainingSwaps: cfg.MaxSequentialSwaps, Config: cfg}
}

// Snapshot is a read-only view of one bucket.
type Snapshot struct {
	Name string

	Running      string // job id, empty when idle
	RunningSince time.Time
	Pending      string // job id, empty when nothing is queued

	RemainingSwaps     int
	MaxSequentialSwaps int

	// Completions counts successful runs still inside the throttle window
	// (0 when the bucket has no throttle).
	Completions int
	// Finished counts every successful run since the bucket was added.
	Finished uint64
}

// Idle reports whether nothing is running or queued.
func (s Snapshot) Idle() bool { return s.Running == "" && s.Pending == "" }

// Clock is the time source used for throttle bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Bucket   string        `json:"bucket"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Event types published by Manager.
const (
	EventStarted   = "swap.started"
	EventPreempted = "swap.preempted"
	EventDropped   = "swap.dropped"
	EventFinished  = "swap.finished"
	EventFailed    = "swap.failed"
	EventAborted   = "swap.aborted"
	EventThrottled = "swap.throttled"
)
