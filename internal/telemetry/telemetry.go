package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Event is the per-request summary emitted after Handle.
type Event struct {
	RequestID        string             `json:"request_id"`
	Agent            string             `json:"agent,omitempty"`
	Bids             map[string]float64 `json:"bids,omitempty"`
	ClearWinner      bool               `json:"clear_winner"`
	Iterations       int                `json:"iterations"`
	Confidence       float64            `json:"confidence"`
	SecurityAction   string             `json:"security_action"`
	Outcome          string             `json:"outcome"`
	CompletionReason string             `json:"completion_reason,omitempty"`
	Duration         time.Duration      `json:"duration"`
}

// Sink consumes request events. Emit must not block the request for long.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// LogSink writes each event as one structured log line.
type LogSink struct{ log *zap.Logger }

func NewLogSink(logger *zap.Logger) LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return LogSink{log: logger}
}

func (s LogSink) Emit(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("agent", e.Agent),
		zap.Bool("clear_winner", e.ClearWinner),
		zap.Int("iterations", e.Iterations),
		zap.Float64("confidence", e.Confidence),
		zap.String("security_action", e.SecurityAction),
		zap.String("outcome", e.Outcome),
		zap.Duration("duration", e.Duration),
	}
	if e.CompletionReason != "" {
		fields = append(fields, zap.String("completion_reason", e.CompletionReason))
	}
	if len(e.Bids) > 0 {
		fields = append(fields, zap.Any("bids", e.Bids))
	}
	s.log.Info("request handled", fields...)
}

// OTelSink records events as OpenTelemetry metrics.
type OTelSink struct {
	requests   metric.Int64Counter
	confidence metric.Float64Histogram
	iterations metric.Int64Histogram
	bids       metric.Float64Histogram
	latency    metric.Float64Histogram
}

// NewOTelSink uses the global MeterProvider when meter is nil; configure it
// with otel.SetMeterProvider first.
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	if meter == nil {
		meter = otel.Meter("orchestra")
	}
	var s OTelSink
	var err error
	if s.requests, err = meter.Int64Counter("orchestra.requests",
		metric.WithDescription("Handled requests by agent, outcome and security action.")); err != nil {
		return nil, fmt.Errorf("requests counter: %w", err)
	}
	if s.confidence, err = meter.Float64Histogram("orchestra.confidence",
		metric.WithDescription("Final workflow confidence.")); err != nil {
		return nil, fmt.Errorf("confidence histogram: %w", err)
	}
	if s.iterations, err = meter.Int64Histogram("orchestra.iterations",
		metric.WithDescription("Build loop iterations per request.")); err != nil {
		return nil, fmt.Errorf("iterations histogram: %w", err)
	}
	if s.bids, err = meter.Float64Histogram("orchestra.bid.confidence",
		metric.WithDescription("Agent bid confidences.")); err != nil {
		return nil, fmt.Errorf("bid histogram: %w", err)
	}
	if s.latency, err = meter.Float64Histogram("orchestra.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("End-to-end request duration.")); err != nil {
		return nil, fmt.Errorf("latency histogram: %w", err)
	}
	return &s, nil
}

func (s *OTelSink) Emit(ctx context.Context, e Event) {
	attrs := metric.WithAttributes(
		attribute.String("agent", e.Agent),
		attribute.String("outcome", e.Outcome),
		attribute.String("security_action", e.SecurityAction),
	)
	s.requests.Add(ctx, 1, attrs)
	s.latency.Record(ctx, e.Duration.Seconds(), attrs)
	if e.Agent == "" {
		return
	}
	agentAttr := metric.WithAttributes(attribute.String("agent", e.Agent))
	s.confidence.Record(ctx, e.Confidence, agentAttr)
	s.iterations.Record(ctx, int64(e.Iterations), agentAttr)
	for id, v := range e.Bids {
		s.bids.Record(ctx, v, metric.WithAttributes(
			attribute.String("bidder", id),
			attribute.Bool("winner", id == e.Agent),
		))
	}
}
