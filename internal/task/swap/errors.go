package swap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrThrottled      = errors.New("too many requests")
	ErrClosed         = errors.New("swap manager closed")
	ErrNilJob         = errors.New("job is nil")
	ErrInvalidBucket  = errors.New("invalid bucket")
)

// ThrottleError is returned by Push when the bucket's window is full.
//
// It matches ErrThrottled via errors.Is and carries a retry hint: the time
// until the oldest completion in the window ages out.
type ThrottleError struct {
	Bucket     string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s: bucket %q allows %d per %s, retry in %s", ErrThrottled, e.Bucket, e.Limit, e.Window, e.RetryAfter)
}

func (e *ThrottleError) Unwrap() error { return ErrThrottled }

// RetryAfterOf extracts the retry hint from a throttle error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// IsAbort reports whether err is the expected result of a cancelled job.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}
