// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → reads/writes to the database
//
// WHY A SEPARATE SERVICE LAYER?
//  1. TESTING: business rules are tested with plain Go calls against fake
//     repositories, no HTTP or SQL involved.
//  2. REUSE: the `gc` command runs the Housekeeper without any HTTP server.
//  3. SEPARATION: services return apperror values, never status codes.
//
// STORE FAILURES:
// Repositories return apperror values for outcomes the caller should see
// (NotFound, Conflict) and plain wrapped errors for everything else. Services
// turn the latter into apperror.Storage so the client gets a retryable 503,
// while the driver error itself only reaches the logs.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/metrics"
)

// Option configures the optional parts of a service.
type Option func(*options)

type options struct {
	metrics      *metrics.Metrics
	storeTimeout time.Duration
	now          func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMetrics records service events. Without it nothing is recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStoreTimeout bounds every repository call. Zero means the request
// context alone decides.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) { o.storeTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func (o options) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.storeTimeout)
}

// storeErr passes apperror values through and turns anything else into a
// StorageError, logging the underlying cause.
func storeErr(logger *slog.Logger, op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	logger.Error("store call failed", slog.String("op", op), slog.String("error", err.Error()))
	return apperror.Storage(op, err)
}
