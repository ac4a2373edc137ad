package swap

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metrics holds the scheduler's instruments.
type metrics struct {
	started   metric.Int64Counter
	preempted metric.Int64Counter
	dropped   metric.Int64Counter
	throttled metric.Int64Counter
	finished  metric.Int64Counter
	failed    metric.Int64Counter
	aborted   metric.Int64Counter
	running   metric.Int64UpDownCounter
	duration  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.started, "genbot.swap.started", "Jobs promoted to running"},
		{&m.preempted, "genbot.swap.preempted", "Running jobs aborted by a newer push"},
		{&m.dropped, "genbot.swap.dropped", "Pending jobs replaced before they started"},
		{&m.throttled, "genbot.swap.throttled", "Pushes rejected by the bucket throttle"},
		{&m.finished, "genbot.swap.finished", "Jobs that completed successfully"},
		{&m.failed, "genbot.swap.failed", "Jobs that returned a non-abort error"},
		{&m.aborted, "genbot.swap.aborted", "Jobs that settled after cancellation"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	m.running, err = meter.Int64UpDownCounter("genbot.swap.running",
		metric.WithDescription("Jobs currently executing, detached ones included"),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("genbot.swap.duration",
		metric.WithDescription("Job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func noopMetrics() *metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

func kindAttr(bucket string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("swap.kind", bucketKind(bucket)))
}

// bucketKind trims the per-user suffix so metric cardinality stays bounded:
// "photo-42" -> "photo".
func bucketKind(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '-' {
			return name[:i]
		}
	}
	return name
}

func (m *metrics) add(c metric.Int64Counter, bucket string) {
	c.Add(context.Background(), 1, kindAttr(bucket))
}
