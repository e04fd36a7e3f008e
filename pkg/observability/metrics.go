// Package observability exposes the pipeline's metric instruments over
// the OpenTelemetry metric API. Exporter and provider wiring belong to
// the embedding service; with no provider installed the instruments are
// no-ops.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Quorum-Labs/warden"

// Metrics holds the pipeline's counters.
type Metrics struct {
	decisions      metric.Int64Counter
	gateRejections metric.Int64Counter
	injections     metric.Int64Counter
	escalations    metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on the global meter
// provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}
	var err error

	if m.decisions, err = meter.Int64Counter("warden.decisions",
		metric.WithDescription("Policy decisions, by action type")); err != nil {
		return nil, fmt.Errorf("observability: decisions counter: %w", err)
	}
	if m.gateRejections, err = meter.Int64Counter("warden.gate.rejections",
		metric.WithDescription("Gate rejections, by reason code")); err != nil {
		return nil, fmt.Errorf("observability: gate counter: %w", err)
	}
	if m.injections, err = meter.Int64Counter("warden.injections",
		metric.WithDescription("Values injected into supervised processes")); err != nil {
		return nil, fmt.Errorf("observability: injections counter: %w", err)
	}
	if m.escalations, err = meter.Int64Counter("warden.escalations",
		metric.WithDescription("Prompts routed to a human")); err != nil {
		return nil, fmt.Errorf("observability: escalations counter: %w", err)
	}
	return m, nil
}

// RecordDecision counts one policy decision. Record methods are safe
// on a nil receiver so callers do not have to guard optional wiring.
func (m *Metrics) RecordDecision(ctx context.Context, actionType string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", actionType)))
}

// RecordGateRejection counts one gate rejection.
func (m *Metrics) RecordGateRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.gateRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordInjection counts one injection attempt outcome.
func (m *Metrics) RecordInjection(ctx context.Context, promptType string, ok bool) {
	if m == nil {
		return
	}
	m.injections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("prompt_type", promptType),
		attribute.Bool("ok", ok),
	))
}

// RecordEscalation counts one human escalation.
func (m *Metrics) RecordEscalation(ctx context.Context) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1)
}
