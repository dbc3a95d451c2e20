package poller

import (
	"context"

	"go.uber.org/zap"
)

// Sink consumes a finished PollResult: metrics, events, history.
type Sink interface {
	Handle(ctx context.Context, r PollResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r PollResult) error

// Handle calls f(ctx, r).
func (f SinkFunc) Handle(ctx context.Context, r PollResult) error { return f(ctx, r) }

// Dispatch hands r to every sink in order. A failing sink is logged and
// does not stop the rest.
func Dispatch(ctx context.Context, r PollResult, log *zap.Logger, sinks ...Sink) {
	for _, s := range sinks {
		if err := s.Handle(ctx, r); err != nil {
			log.Warn("poll sink failed", zap.String("poll_id", r.ID), zap.Error(err))
		}
	}
}
