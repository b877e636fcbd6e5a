package rtp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"voxelrtp/internal/protocol"
	"voxelrtp/internal/rtp/config"
	"voxelrtp/internal/rtp/metrics"
	"voxelrtp/internal/rtp/ratelimit"
	"voxelrtp/internal/rtp/search"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestRequestTeleport_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	limiter := ratelimit.New()
	m, err := metrics.NewWithMeter(mp.Meter(metrics.InstrumentationName), limiter.Searching)
	require.NoError(t, err)

	fw := newFakeWorld(t, "W", func(n, x, z int) (search.Verdict, error) {
		if n == 4 {
			return search.Safe(70), nil
		}
		return search.Unsafe, nil
	})
	svc, err := New(Options{
		Config:  config.NewStore(testConfig("W")),
		Worlds:  WorldsFunc(func(id string) (World, bool) { return fw, id == "W" }),
		Limiter: limiter,
		Logger:  zerolog.Nop(),
		Metrics: m,
	})
	require.NoError(t, err)

	a := uuid.New()
	fw.setOnline(a, true)
	out, err := svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	require.Equal(t, Success, out.Kind)

	// The second request hits the cooldown.
	out, err = svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	require.Equal(t, OnCooldown, out.Kind)

	data := collect(t, reader)

	requests, ok := data["rtp.requests"].(metricdata.Sum[int64])
	require.True(t, ok, "rtp.requests missing")
	require.Len(t, requests.DataPoints, 1)
	assert.Equal(t, int64(2), requests.DataPoints[0].Value)

	outcomes, ok := data["rtp.outcomes"].(metricdata.Sum[int64])
	require.True(t, ok, "rtp.outcomes missing")
	byKind := map[string]int64{}
	for _, dp := range outcomes.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byKind[v.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{
		protocol.OutcomeSuccess:    1,
		protocol.OutcomeOnCooldown: 1,
	}, byKind)

	attempts, ok := data["rtp.search.attempts"].(metricdata.Histogram[int64])
	require.True(t, ok, "rtp.search.attempts missing")
	require.Len(t, attempts.DataPoints, 1)
	dp := attempts.DataPoints[0]
	assert.Equal(t, uint64(1), dp.Count)
	assert.Equal(t, int64(4), dp.Sum)
	found, _ := dp.Attributes.Value(attribute.Key("found"))
	assert.True(t, found.AsBool())

	_, ok = data["rtp.search.duration"].(metricdata.Histogram[float64])
	assert.True(t, ok, "rtp.search.duration missing")

	searching, ok := data["rtp.searching"].(metricdata.Gauge[int64])
	require.True(t, ok, "rtp.searching missing")
	require.Len(t, searching.DataPoints, 1)
	assert.Equal(t, int64(0), searching.DataPoints[0].Value)
}
