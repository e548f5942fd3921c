package peerrpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware wraps the Handler serving inbound invocations.
type Middleware func(next Handler) Handler

// Chain composes middlewares so that the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// LoggingMiddleware logs every served invocation with its duration.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (Args, error) {
			start := time.Now()
			results, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("fn", req.Fn),
				zap.String("uid", req.UID),
				zap.String("event", string(req.Kind)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Info("invocation failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("invocation served", fields...)
			}
			return results, err
		}
	}
}

// RateLimitMiddleware rejects invocations beyond r per second, with bursts
// of up to burst, using a token bucket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (Args, error) {
			if !limiter.Allow() {
				return nil, NewRangeError("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

// TimeoutMiddleware fails invocations that take longer than timeout. The
// function keeps running; its late result is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (Args, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				results Args
				err     error
			}
			done := make(chan outcome, 1)
			go func() {
				results, err := next(ctx, req)
				done <- outcome{results: results, err: err}
			}()

			select {
			case o := <-done:
				return o.results, o.err
			case <-ctx.Done():
				return nil, &Error{Class: ClassError, Message: "request timed out"}
			}
		}
	}
}
