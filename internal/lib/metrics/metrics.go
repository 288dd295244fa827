// Package metrics counts grant outcomes with the OpenTelemetry metric API.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Grant outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type Recorder struct {
	grants     metric.Int64Counter
	replays    metric.Int64Counter
	gcDeleted  metric.Int64Counter
	revocation metric.Int64Counter
}

// New creates the tokend instruments on meter.
func New(meter metric.Meter) (*Recorder, error) {
	grants, err := meter.Int64Counter("tokend_grants_total",
		metric.WithDescription("Token endpoint grants by grant type and outcome."))
	if err != nil {
		return nil, fmt.Errorf("create grants counter: %w", err)
	}

	replays, err := meter.Int64Counter("tokend_refresh_replays_total",
		metric.WithDescription("Redeemed refresh tokens presented again."))
	if err != nil {
		return nil, fmt.Errorf("create replays counter: %w", err)
	}

	revocation, err := meter.Int64Counter("tokend_revocations_total",
		metric.WithDescription("Refresh token chains revoked."))
	if err != nil {
		return nil, fmt.Errorf("create revocations counter: %w", err)
	}

	gcDeleted, err := meter.Int64Counter("tokend_gc_deleted_total",
		metric.WithDescription("Expired refresh token records removed by the janitor."))
	if err != nil {
		return nil, fmt.Errorf("create gc counter: %w", err)
	}

	return &Recorder{
		grants:     grants,
		replays:    replays,
		revocation: revocation,
		gcDeleted:  gcDeleted,
	}, nil
}

// NewNoop returns a recorder that discards every measurement.
func NewNoop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter("tokend"))
	return r
}

// Grant counts one processed grant. outcome is OutcomeSuccess or an OAuth2 error code.
func (r *Recorder) Grant(ctx context.Context, grantType, outcome string) {
	r.grants.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("outcome", outcome),
	))
}

func (r *Recorder) Replay(ctx context.Context) {
	r.replays.Add(ctx, 1)
}

func (r *Recorder) Revocation(ctx context.Context, reason string) {
	r.revocation.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *Recorder) GCDeleted(ctx context.Context, n int64) {
	r.gcDeleted.Add(ctx, n)
}
