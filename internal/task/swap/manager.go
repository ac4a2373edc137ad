package swap

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"genbot/internal/eventbus"
	logx "genbot/pkg/logx"
)

const instrumentationName = "genbot/swap"

// Manager owns a set of buckets and drives their jobs.
//
// All bucket state is guarded by mu. A flush pass runs entirely under mu, so
// concurrent pushes and settlements are serialised into one pass at a time
// and a job can never be started twice or charged two swaps.
type Manager struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	// pending indexes buckets whose next slot is occupied.
	pending map[string]*bucket
	closed  bool

	root       context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup

	clock   Clock
	log     logx.Logger
	bus     eventbus.Bus
	meter   metric.Meter
	metrics *metrics
	tracer  trace.Tracer
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

// WithMeter records scheduler metrics on meter. Instrument errors fall back to no-op.
func WithMeter(meter metric.Meter) Option { return func(m *Manager) { m.meter = meter } }

// WithTracer wraps every job run in a span.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

func New(opts ...Option) *Manager {
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		buckets:    make(map[string]*bucket),
		pending:    make(map[string]*bucket),
		root:       root,
		cancelRoot: cancel,
		clock:      SystemClock(),
		log:        logx.Nop(),
		metrics:    noopMetrics(),
		tracer:     nooptrace.NewTracerProvider().Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.meter != nil {
		if mt, err := newMetrics(m.meter); err != nil {
			m.log.Warn("swap metrics disabled", logx.Err(err))
		} else {
			m.metrics = mt
		}
	}
	return m
}

// Add registers b. It fails with ErrBucketExists rather than clobbering a
// live bucket; use Has or Ensure when the bucket may already exist.
func (m *Manager) Add(b Bucket) error {
	nb, err := newBucket(b)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.buckets[nb.name]; ok {
		return fmt.Errorf("%w: %q", ErrBucketExists, nb.name)
	}
	m.buckets[nb.name] = nb
	m.flushLocked()
	return nil
}

// Ensure adds a fresh bucket under name unless one exists. It reports
// whether a bucket was created. An existing bucket keeps its own config.
func (m *Manager) Ensure(name string, cfg BucketConfig) (bool, error) {
	err := m.Add(NewBucket(name, cfg))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrBucketExists):
		return false, nil
	default:
		return false, err
	}
}

func (m *Manager) Has(name string) bool {
	m.mu.Lock()
	_, ok := m.buckets[strings.TrimSpace(name)]
	m.mu.Unlock()
	return ok
}

func (m *Manager) Snapshot(name string) (Snapshot, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[strings.TrimSpace(name)]
	if !ok {
		return Snapshot{}, false
	}
	return b.snapshotLocked(now), true
}

// Len returns the number of registered buckets.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

type PushOption func(*pushOptions)

type pushOptions struct {
	id        string
	onDropped func()
}

// WithJobID sets the job identity used in logs and events (default: uuid).
func WithJobID(id string) PushOption { return func(o *pushOptions) { o.id = strings.TrimSpace(id) } }

// WithOnDropped registers a hook that runs if the job is discarded before it
// ever starts (replaced in the pending slot, or pending at Close). It runs
// outside the manager lock and may call back into the manager.
func WithOnDropped(fn func()) PushOption { return func(o *pushOptions) { o.onDropped = fn } }

// Push submits job to the named bucket and returns its id.
//
// Only ErrBucketNotFound, a *ThrottleError (matching ErrThrottled), ErrClosed
// and ErrNilJob are returned; none of them mutate the bucket. Whatever the
// job itself returns is handled here and never reaches the caller.
func (m *Manager) Push(name string, job Job, opts ...PushOption) (string, error) {
	if job == nil {
		return "", ErrNilJob
	}
	var po pushOptions
	for _, o := range opts {
		o(&po)
	}
	if po.id == "" {
		po.id = uuid.NewString()
	}
	name = strings.TrimSpace(name)
	now := m.clock.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	b, ok := m.buckets[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrBucketNotFound, name)
	}
	if limited, wait := b.throttledLocked(now); limited {
		t := *b.cfg.Throttle
		m.mu.Unlock()
		m.metrics.add(m.metrics.throttled, name)
		m.publish(EventThrottled, JobEvent{ID: po.id, Bucket: name, Error: "throttled"})
		m.log.Debug("swap.throttled", logx.String("bucket", name), logx.String("job", po.id), logx.Duration("retry_after", wait))
		return "", &ThrottleError{Bucket: name, Limit: t.Limit, Window: t.Window, RetryAfter: wait}
	}

	displaced := b.next
	b.next = &slot{id: po.id, job: job, onDropped: po.onDropped, queuedAt: now}
	m.pending[name] = b
	m.flushLocked()
	m.mu.Unlock()

	if displaced != nil {
		m.dropped(name, displaced)
	}
	return po.id, nil
}

// flushLocked promotes every pending job that may run now. Caller holds mu.
func (m *Manager) flushLocked() {
	for name, b := range m.pending {
		if b.next == nil {
			delete(m.pending, name)
			continue
		}
		if b.current != nil {
			if b.remainingSwaps < 1 {
				// Out of budget; next waits for current to settle.
				continue
			}
			prev := b.current
			prev.cancel()
			b.remainingSwaps--
			b.current = nil
			m.metrics.add(m.metrics.preempted, name)
			m.publish(EventPreempted, JobEvent{ID: prev.id, Bucket: name, Started: prev.startedAt})
			m.log.Debug("swap.preempted",
				logx.String("bucket", name),
				logx.String("job", prev.id),
				logx.String("by", b.next.id),
				logx.Int("remaining_swaps", b.remainingSwaps),
			)
		}

		s := b.next
		b.next = nil
		delete(m.pending, name)
		b.current = s
		m.startLocked(b, s)
	}
}

func (m *Manager) startLocked(b *bucket, s *slot) {
	s.ctx, s.cancel = context.WithCancel(m.root)
	s.startedAt = m.clock.Now()
	m.wg.Add(1)
	m.metrics.running.Add(context.Background(), 1, kindAttr(b.name))
	m.metrics.add(m.metrics.started, b.name)
	m.publish(EventStarted, JobEvent{ID: s.id, Bucket: b.name, Started: s.startedAt})
	m.log.Debug("swap.started",
		logx.String("bucket", b.name),
		logx.String("job", s.id),
		logx.Duration("queue_delay", s.startedAt.Sub(s.queuedAt)),
		logx.Int("remaining_swaps", b.remainingSwaps),
	)
	go m.run(b, s)
}

func (m *Manager) run(b *bucket, s *slot) {
	defer m.wg.Done()
	ctx, span := m.tracer.Start(s.ctx, "swap.job",
		trace.WithAttributes(
			attribute.String("swap.bucket", b.name),
			attribute.String("swap.job", s.id),
		),
	)
	var err error
	if err = s.ctx.Err(); err == nil {
		err = m.call(ctx, b.name, s)
	} else {
		// Preempted before the goroutine got to run.
		span.AddEvent("swap.skipped")
	}
	if err != nil {
		span.RecordError(err)
		if !IsAbort(err) && s.ctx.Err() == nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
	m.settle(b, s, err)
}

// call runs the job, converting a panic into an error so one bad job can't
// take the process down or wedge its bucket.
func (m *Manager) call(ctx context.Context, bucket string, s *slot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			m.log.Error("swap.panic", logx.String("bucket", bucket), logx.String("job", s.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.job(ctx)
}

func (m *Manager) settle(b *bucket, s *slot, err error) {
	now := m.clock.Now()
	dur := now.Sub(s.startedAt)
	// An error after cancellation is an abort no matter how the job wrapped it.
	aborted := err != nil && (IsAbort(err) || s.ctx.Err() != nil)

	m.mu.Lock()
	live := b.current == s
	if live {
		b.current = nil
		b.remainingSwaps = b.cfg.MaxSequentialSwaps
		if err == nil {
			b.recordLocked(now)
		}
	}
	s.cancel()
	m.flushLocked()
	m.mu.Unlock()

	m.metrics.running.Add(context.Background(), -1, kindAttr(b.name))
	m.metrics.duration.Record(context.Background(), dur.Seconds(), kindAttr(b.name))
	ev := JobEvent{ID: s.id, Bucket: b.name, Started: s.startedAt, Duration: dur}

	switch {
	case aborted:
		m.metrics.add(m.metrics.aborted, b.name)
		ev.Error = "aborted"
		m.publish(EventAborted, ev)
		m.log.Debug("swap.aborted", logx.String("bucket", b.name), logx.String("job", s.id), logx.Duration("dur", dur))
	case err != nil:
		m.metrics.add(m.metrics.failed, b.name)
		ev.Error = err.Error()
		m.publish(EventFailed, ev)
		m.log.Warn("swap.failed", logx.String("bucket", b.name), logx.String("job", s.id), logx.Err(err), logx.Duration("dur", dur))
	case !live:
		// Preempted job that ignored its context and finished anyway.
		m.log.Debug("swap.detached_finished", logx.String("bucket", b.name), logx.String("job", s.id), logx.Duration("dur", dur))
	default:
		m.metrics.add(m.metrics.finished, b.name)
		m.publish(EventFinished, ev)
		m.log.Debug("swap.finished", logx.String("bucket", b.name), logx.String("job", s.id), logx.Duration("dur", dur))
	}
}

func (m *Manager) dropped(bucket string, s *slot) {
	m.metrics.add(m.metrics.dropped, bucket)
	m.publish(EventDropped, JobEvent{ID: s.id, Bucket: bucket})
	m.log.Debug("swap.dropped", logx.String("bucket", bucket), logx.String("job", s.id))
	if s.onDropped == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("swap.dropped hook panicked", logx.String("bucket", bucket), logx.String("job", s.id), logx.Any("panic", r))
		}
	}()
	s.onDropped()
}

func (m *Manager) publish(typ string, ev JobEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clock.Now(), Data: ev})
}

// Close cancels every running job, drops every pending one and waits for
// running jobs to return (or ctx to expire). Later pushes get ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	type pendingJob struct {
		bucket string
		s      *slot
	}
	var drop []pendingJob

	m.mu.Lock()
	if !m.closed {
		m.closed = true
		for name, b := range m.pending {
			if b.next != nil {
				drop = append(drop, pendingJob{bucket: name, s: b.next})
				b.next = nil
			}
			delete(m.pending, name)
		}
		m.cancelRoot()
	}
	m.mu.Unlock()

	for _, d := range drop {
		m.dropped(d.bucket, d.s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.log.Warn("swap manager close timed out; jobs still running", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Stats is an aggregate view across buckets.
type Stats struct {
	Buckets int
	Running int
	Pending int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Buckets: len(m.buckets), Pending: len(m.pending)}
	for _, b := range m.buckets {
		if b.current != nil {
			st.Running++
		}
	}
	return st
}
