// Package telemetry records QAuth operation counts through the
// OpenTelemetry metric API. Exporting is left to the host application's
// MeterProvider.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/oarkflow/qauth"

// Result labels.
const (
	ResultOK      = "ok"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Recorder holds the counters. A nil *Recorder records nothing.
type Recorder struct {
	issued      metric.Int64Counter
	validated   metric.Int64Counter
	proofs      metric.Int64Counter
	evaluations metric.Int64Counter
}

// New creates the instruments on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	issued, err := meter.Int64Counter(
		"qauth.tokens.issued",
		metric.WithDescription("Tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}
	validated, err := meter.Int64Counter(
		"qauth.tokens.validated",
		metric.WithDescription("Token validations by result"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}
	proofs, err := meter.Int64Counter(
		"qauth.proofs.validated",
		metric.WithDescription("Proof-of-possession validations by result"),
		metric.WithUnit("{proof}"),
	)
	if err != nil {
		return nil, err
	}
	evaluations, err := meter.Int64Counter(
		"qauth.policy.evaluations",
		metric.WithDescription("Policy evaluations by effect"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		issued:      issued,
		validated:   validated,
		proofs:      proofs,
		evaluations: evaluations,
	}, nil
}

func (r *Recorder) TokenIssued(ctx context.Context) {
	if r == nil {
		return
	}
	r.issued.Add(ctx, 1)
}

func (r *Recorder) TokenValidated(ctx context.Context, result string) {
	if r == nil {
		return
	}
	r.validated.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *Recorder) ProofValidated(ctx context.Context, result string) {
	if r == nil {
		return
	}
	r.proofs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *Recorder) PolicyEvaluated(ctx context.Context, policyID, effect string) {
	if r == nil {
		return
	}
	r.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policyID),
		attribute.String("effect", effect),
	))
}
