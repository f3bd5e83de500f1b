package observer

import (
	"context"

	conduit "github.com/conduitdev/conduit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricSink forwards odometer usage events to OTEL counters, pricing each
// event with the configured cost table. Pass it to conduit.NewOdometer and
// wire the odometer into the client with conduit.WithOdometer.
type MetricSink struct {
	inst *Instruments
}

// NewMetricSink creates a sink over initialized instruments.
func NewMetricSink(inst *Instruments) *MetricSink {
	return &MetricSink{inst: inst}
}

// Record implements conduit.UsageSink.
func (s *MetricSink) Record(ev conduit.UsageEvent) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("model", ev.Model),
	)
	s.inst.LLMRequests.Add(ctx, 1, attrs)
	if ev.CacheHit {
		s.inst.CacheHits.Add(ctx, 1, attrs)
		// cached responses consume no upstream tokens
		return
	}
	s.inst.TokenUsage.Add(ctx, int64(ev.InputTokens), metric.WithAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("model", ev.Model),
		attribute.String("direction", "input"),
	))
	s.inst.TokenUsage.Add(ctx, int64(ev.OutputTokens), metric.WithAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("model", ev.Model),
		attribute.String("direction", "output"),
	))
	if cost := s.inst.Cost.Calculate(ev.Model, ev.InputTokens, ev.OutputTokens); cost > 0 {
		s.inst.CostTotal.Add(ctx, cost, attrs)
	}
}

var _ conduit.UsageSink = (*MetricSink)(nil)
