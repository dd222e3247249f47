package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector using the OpenTelemetry
// metric API. Instruments resolve against the global MeterProvider, so a
// host that wires no exporter gets no-op instruments for free.
type OTelMetricsCollector struct {
	ctx          context.Context
	calls        metric.Int64Counter
	failures     metric.Int64Counter
	stateChanges metric.Int64Counter
	rejected     metric.Int64Counter
}

// NewOTelMetricsCollector creates a new OpenTelemetry metrics collector
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	meter := otel.Meter("hooksd-resilience")

	calls, _ := meter.Int64Counter("circuit_breaker.calls",
		metric.WithDescription("Total circuit breaker calls"))
	failures, _ := meter.Int64Counter("circuit_breaker.failures",
		metric.WithDescription("Circuit breaker failures"))
	stateChanges, _ := meter.Int64Counter("circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"))
	rejected, _ := meter.Int64Counter("circuit_breaker.rejected",
		metric.WithDescription("Requests rejected by open circuit"))

	return &OTelMetricsCollector{
		ctx:          ctx,
		calls:        calls,
		failures:     failures,
		stateChanges: stateChanges,
		rejected:     rejected,
	}
}

// RecordSuccess records a successful circuit breaker execution
func (o *OTelMetricsCollector) RecordSuccess(key string) {
	o.calls.Add(o.ctx, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", key),
			attribute.String("result", "success"),
		))
}

// RecordFailure records a failed circuit breaker execution
func (o *OTelMetricsCollector) RecordFailure(key string, errorType string) {
	o.calls.Add(o.ctx, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", key),
			attribute.String("result", "failure"),
		))
	o.failures.Add(o.ctx, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", key),
			attribute.String("error_type", errorType),
		))
}

// RecordStateChange records a circuit breaker state transition
func (o *OTelMetricsCollector) RecordStateChange(key string, from, to string) {
	o.stateChanges.Add(o.ctx, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", key),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))
}

// RecordRejection records when the circuit breaker rejects a request
func (o *OTelMetricsCollector) RecordRejection(key string) {
	o.rejected.Add(o.ctx, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", key),
			attribute.String("result", "rejected"),
		))
}
