package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	ExporterStdout = "stdout"
	ExporterNone   = "none"

	DefaultExportInterval = time.Minute
)

// NewMeterProvider exports every instrument as JSON to w on a fixed interval.
// Callers own Shutdown, which flushes the last interval.
func NewMeterProvider(w io.Writer, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	if interval <= 0 {
		interval = DefaultExportInterval
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil
}

// Install sets the global MeterProvider for the named exporter and returns
// its shutdown. Call it before building sinks with NewOTelSink(nil).
func Install(exporter string, w io.Writer, interval time.Duration) (func(context.Context) error, error) {
	switch exporter {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterStdout:
		mp, err := NewMeterProvider(w, interval)
		if err != nil {
			return nil, err
		}
		otel.SetMeterProvider(mp)
		return mp.Shutdown, nil
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", exporter)
	}
}
