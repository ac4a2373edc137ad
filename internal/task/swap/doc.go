// Package swap schedules cancellable jobs into named buckets.
//
// A bucket runs at most one job at a time and holds at most one pending
// job. Pushing a job to a busy bucket either preempts the running job
// (while the bucket still has swap budget) or parks the new job until the
// running one settles. The pending slot is last-writer-wins.
//
// Buckets may also cap how many jobs they complete per rolling window
// (Throttle). Only successful runs count toward that window.
//
// Cancellation is cooperative: a preempted job's context is cancelled and
// the bucket moves on immediately. A job that ignores its context keeps
// running detached, but its outcome no longer affects the bucket.
package swap
