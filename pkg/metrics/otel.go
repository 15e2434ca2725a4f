// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cerrors "github.com/nvela/conduit/pkg/errors"
	"github.com/nvela/conduit/pkg/resilience"
)

// OTelEmitter mirrors error and health signals to OpenTelemetry
// instruments. All methods are safe on a nil receiver so telemetry can
// be wired in or left out without conditionals at call sites.
type OTelEmitter struct {
	errorCounter      metric.Int64Counter
	circuitStateGauge metric.Int64Gauge
	healthScoreGauge  metric.Float64Gauge
}

// NewOTelEmitter creates the conduit instruments on the global meter
// provider.
func NewOTelEmitter() (*OTelEmitter, error) {
	meter := otel.Meter("conduit/metrics")

	errorCounter, err := meter.Int64Counter(
		"conduit.errors.total",
		metric.WithDescription("Total classified errors by category and server"),
	)
	if err != nil {
		return nil, err
	}

	circuitStateGauge, err := meter.Int64Gauge(
		"conduit.circuit.state",
		metric.WithDescription("Circuit breaker state per server (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	healthScoreGauge, err := meter.Float64Gauge(
		"conduit.health.score",
		metric.WithDescription("Aggregate connection health score (0..1)"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelEmitter{
		errorCounter:      errorCounter,
		circuitStateGauge: circuitStateGauge,
		healthScoreGauge:  healthScoreGauge,
	}, nil
}

// RecordError increments the error counter for one classified record.
func (e *OTelEmitter) RecordError(rec cerrors.Record) {
	if e == nil {
		return
	}
	e.errorCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("error.category", string(rec.Category)),
			attribute.String("server", rec.Server),
			attribute.String("retryable", strconv.FormatBool(rec.Retryable)),
		),
	)
}

// RecordCircuitState records the breaker state for one server.
func (e *OTelEmitter) RecordCircuitState(ctx context.Context, server string, state resilience.CircuitState) {
	if e == nil {
		return
	}
	var v int64
	switch state {
	case resilience.CircuitOpen:
		v = 0
	case resilience.CircuitHalfOpen:
		v = 1
	case resilience.CircuitClosed:
		v = 2
	}
	e.circuitStateGauge.Record(ctx, v,
		metric.WithAttributes(attribute.String("server", server)),
	)
}

// RecordHealthScore records the aggregate connection health score.
func (e *OTelEmitter) RecordHealthScore(ctx context.Context, score float64) {
	if e == nil {
		return
	}
	e.healthScoreGauge.Record(ctx, score)
}
