package common

import (
	"context"

	"github.com/zombiego/zombie/trace"
)

type ctxKey int

const (
	ctxKeyOptions ctxKey = iota
	ctxKeyTracer
)

// WithOptions adds the browser options to the context.
func WithOptions(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, ctxKeyOptions, opts)
}

// GetOptions returns the browser options attached to the context.
func GetOptions(ctx context.Context) *Options {
	if opts, ok := ctx.Value(ctxKeyOptions).(*Options); ok {
		return opts
	}
	return nil
}

// WithTracer adds a tracer to the context.
func WithTracer(ctx context.Context, t *trace.Tracer) context.Context {
	return context.WithValue(ctx, ctxKeyTracer, t)
}

// GetTracer returns the tracer attached to the context, or nil.
func GetTracer(ctx context.Context) *trace.Tracer {
	if t, ok := ctx.Value(ctxKeyTracer).(*trace.Tracer); ok {
		return t
	}
	return nil
}

// contextWithDoneChan returns a new context that is canceled either
// when the done channel is closed or ctx is canceled.
func contextWithDoneChan(ctx context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
