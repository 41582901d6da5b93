// Package dispatcher runs the background side of the task dispatch engine:
// the rebuild consumer that keeps the dimension queue index current and the
// maintenance crons.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/go-task-dispatch/internal/kafka"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// RebuildIndex is the part of the index the Rebuilder drives.
type RebuildIndex interface {
	RebuildTaskCache(ctx context.Context, p taskqueues.RebuildPayload) error
}

// Rebuilder consumes deferred rebuild payloads and applies them to the index.
type Rebuilder struct {
	consumer kafka.Consumer
	index    RebuildIndex
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// RebuilderOption configures a Rebuilder.
type RebuilderOption func(*Rebuilder)

// WithRebuilderLogger sets the logger. Defaults to slog.Default().
func WithRebuilderLogger(l *slog.Logger) RebuilderOption {
	return func(r *Rebuilder) { r.logger = l }
}

// WithRebuildRate paces rebuilds to perSecond with the given burst. A rate of
// zero or less disables pacing.
func WithRebuildRate(perSecond float64, burst int) RebuilderOption {
	return func(r *Rebuilder) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewRebuilder returns a Rebuilder feeding consumer's messages to index.
func NewRebuilder(consumer kafka.Consumer, index RebuildIndex, opts ...RebuilderOption) *Rebuilder {
	r := &Rebuilder{
		consumer: consumer,
		index:    index,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes until ctx is cancelled.
func (r *Rebuilder) Run(ctx context.Context) error {
	return r.consumer.Subscribe(ctx, r.handle)
}

// handle applies one message. Malformed payloads are dropped; any other
// failure is returned so the message is redelivered.
func (r *Rebuilder) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "rebuilder.handle")
	defer span.End()
	span.SetAttributes(attribute.Int64("kafka.offset", msg.Offset))

	if err := r.wait(ctx); err != nil {
		return err
	}

	p, err := taskqueues.DecodeRebuildPayload(msg.Value)
	if err == nil {
		span.SetAttributes(attribute.String("index.dimensions_hash", p.DimensionsHash))
		err = r.index.RebuildTaskCache(ctx, p)
	}

	switch {
	case err == nil:
		telemetry.RebuilderMessages.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, taskqueues.ErrMalformedPayload):
		r.logger.Error("malformed rebuild payload, dropping",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, "malformed payload")
		telemetry.RebuilderMessages.WithLabelValues("malformed").Inc()
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		telemetry.RebuilderMessages.WithLabelValues("retry").Inc()
		return fmt.Errorf("rebuild %s: %w", p.DimensionsHash, err)
	}
}

func (r *Rebuilder) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rebuild rate limiter: %w", err)
	}
	telemetry.RebuilderThrottledSeconds.Add(time.Since(start).Seconds())
	return nil
}
