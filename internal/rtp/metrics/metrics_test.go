package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_GlobalProvider(t *testing.T) {
	m, err := New(func() int { return 3 })
	require.NoError(t, err)
	ctx := context.Background()
	m.Request(ctx)
	m.Outcome(ctx, "SUCCESS")
	m.Search(ctx, 7, 12*time.Millisecond, true)
}

func TestNewWithMeter_Noop(t *testing.T) {
	m, err := NewWithMeter(noop.NewMeterProvider().Meter("test"), nil)
	require.NoError(t, err)
	m.Search(context.Background(), 50, time.Second, false)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Request(ctx)
	m.Outcome(ctx, "NOT_FOUND")
	m.Search(ctx, 1, 0, false)
}
