package peerrpc

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Option configures session collaborators.
type Option func(*sessionOptions)

type sessionOptions struct {
	logger     *zap.Logger
	metrics    *Metrics
	clock      clock.Clock
	uids       *UIDGenerator
	override   Descriptor
	middleware []Middleware
}

func sessionDefaults() sessionOptions {
	return sessionOptions{
		logger: zap.NewNop(),
		clock:  clock.New(),
		uids:   DefaultUIDs,
	}
}

// WithLogger sets the logger for handshake and dispatch tracing.
func WithLogger(l *zap.Logger) Option {
	return func(o *sessionOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *sessionOptions) {
		o.metrics = m
	}
}

// WithClock replaces the clock driving handshake retries and ack timers.
func WithClock(c clock.Clock) Option {
	return func(o *sessionOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithUIDGenerator replaces the process-wide correlation id generator.
func WithUIDGenerator(g *UIDGenerator) Option {
	return func(o *sessionOptions) {
		if g != nil {
			o.uids = g
		}
	}
}

// WithDescriptor overrides the convention of exposed functions. Paths not
// present in d use Config.DefaultAsyncType.
func WithDescriptor(d Descriptor) Option {
	return func(o *sessionOptions) {
		o.override = d
	}
}

// WithMiddleware wraps every inbound invocation, outermost first.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *sessionOptions) {
		o.middleware = append(o.middleware, mw...)
	}
}
