package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName names the meter the teleport instruments live on.
const InstrumentationName = "voxelrtp/internal/rtp"

// Metrics records teleport requests and searches. A nil *Metrics is a no-op.
type Metrics struct {
	requests  metric.Int64Counter
	outcomes  metric.Int64Counter
	attempts  metric.Int64Histogram
	duration  metric.Float64Histogram
	searching metric.Int64ObservableGauge
}

// New registers instruments on the global OTel meter provider (no-op if not
// configured). searching, if set, reports the number of in-flight searches.
func New(searching func() int) (*Metrics, error) {
	return NewWithMeter(otel.Meter(InstrumentationName), searching)
}

func NewWithMeter(m metric.Meter, searching func() int) (*Metrics, error) {
	var (
		out Metrics
		err error
	)
	out.requests, err = m.Int64Counter(
		"rtp.requests",
		metric.WithDescription("Teleport requests received"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating requests counter: %w", err)
	}
	out.outcomes, err = m.Int64Counter(
		"rtp.outcomes",
		metric.WithDescription("Teleport requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outcomes counter: %w", err)
	}
	out.attempts, err = m.Int64Histogram(
		"rtp.search.attempts",
		metric.WithDescription("Candidate columns evaluated per search"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating attempts histogram: %w", err)
	}
	out.duration, err = m.Float64Histogram(
		"rtp.search.duration",
		metric.WithDescription("Wall-clock duration of a search"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	if searching != nil {
		out.searching, err = m.Int64ObservableGauge(
			"rtp.searching",
			metric.WithDescription("Searches currently in flight"),
		)
		if err != nil {
			return nil, fmt.Errorf("creating searching gauge: %w", err)
		}
		_, err = m.RegisterCallback(
			func(ctx context.Context, o metric.Observer) error {
				o.ObserveInt64(out.searching, int64(searching()))
				return nil
			},
			out.searching,
		)
		if err != nil {
			return nil, fmt.Errorf("registering searching callback: %w", err)
		}
	}
	return &out, nil
}

func (m *Metrics) Request(ctx context.Context) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1)
}

func (m *Metrics) Outcome(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind)))
}

func (m *Metrics) Search(ctx context.Context, attempts int, elapsed time.Duration, found bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("found", found))
	m.attempts.Record(ctx, int64(attempts), attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
