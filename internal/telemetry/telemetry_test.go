package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func sample() Event {
	return Event{
		RequestID:      "r1",
		Agent:          "builder",
		Bids:           map[string]float64{"builder": 0.9, "assistant": 0.3},
		ClearWinner:    true,
		Iterations:     2,
		Confidence:     0.86,
		SecurityAction: "ALLOW",
		Outcome:        "completed",
		Duration:       1500 * time.Millisecond,
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	NewLogSink(zap.New(core)).Emit(context.Background(), sample())

	entries := logs.FilterMessage("request handled").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "builder", fields["agent"])
	assert.Equal(t, int64(2), fields["iterations"])
	assert.Equal(t, "ALLOW", fields["security_action"])
}

type recordingSink struct{ events []Event }

func (r *recordingSink) Emit(_ context.Context, e Event) { r.events = append(r.events, e) }

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	MultiSink{a, nil, b, Nop{}}.Emit(context.Background(), sample())
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestOTelSinkRecords(t *testing.T) {
	s, err := NewOTelSink(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	s.Emit(context.Background(), sample())
	blocked := sample()
	blocked.Agent = ""
	blocked.Outcome = "blocked"
	s.Emit(context.Background(), blocked)
}

func TestOTelSinkExportsThroughSDK(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	s, err := NewOTelSink(mp.Meter("test"))
	require.NoError(t, err)
	s.Emit(context.Background(), sample())
	s.Emit(context.Background(), sample())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}
	require.Contains(t, byName, "orchestra.requests")
	sum, ok := byName["orchestra.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
	assert.Contains(t, byName, "orchestra.bid.confidence")
	assert.Contains(t, byName, "orchestra.iterations")
}

func TestMeterProviderWritesToExporter(t *testing.T) {
	var buf bytes.Buffer
	mp, err := NewMeterProvider(&buf, time.Hour)
	require.NoError(t, err)

	s, err := NewOTelSink(mp.Meter("test"))
	require.NoError(t, err)
	s.Emit(context.Background(), sample())

	require.NoError(t, mp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "orchestra.requests")
	assert.Contains(t, buf.String(), "orchestra.confidence")
}

func TestInstall(t *testing.T) {
	shutdown, err := Install(ExporterNone, nil, 0)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Install("prometheus", nil, 0)
	assert.ErrorContains(t, err, "unknown metrics exporter")
}
