package peerrpc

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied by resolveConfig.
const (
	DefaultChannel          = "peerrpc-message"
	DefaultAsyncType        = ConventionPromise
	DefaultCreateRetry      = 10 * time.Millisecond
	DefaultCreateRetryCurve = 1.2
	DefaultCreateWait       = 30 * time.Second
	DefaultMaxAckDelay      = 5 * time.Second
)

// OnFunc subscribes handler to inbound events and returns a function that
// removes the subscription.
type OnFunc func(handler func(Event)) (unsubscribe func())

// EmitFunc hands an event to the transport.
type EmitFunc func(Event) error

// Config holds the configuration for a session.
type Config struct {
	// On and Emit bind the session to a transport. Both are required.
	On   OnFunc
	Emit EmitFunc

	// Channel names the logical channel, used by multiplexing transports.
	// Fallback: PEERRPC_CHANNEL environment variable, then DefaultChannel.
	Channel string

	// DefaultAsyncType is the convention of exposed functions that the
	// override descriptor does not mention.
	DefaultAsyncType Convention

	// CreateRetry is the delay before the first create emission. After every
	// emission the delay is multiplied by CreateRetryCurve.
	CreateRetry      time.Duration
	CreateRetryCurve float64

	// CreateWait bounds the whole handshake.
	CreateWait time.Duration

	// UseAcks requests delivery acknowledgment of every outbound event.
	// MaxAckDelay is how long an acknowledgment may take.
	UseAcks     bool
	MaxAckDelay time.Duration

	// EnableStackTrace sends stacks with serialized errors. Off by default so
	// internals do not leak to the peer.
	// Fallback: PEERRPC_STACK_TRACE environment variable.
	EnableStackTrace bool

	exposed Namespace
}

// WithTransport returns a copy of the config bound to t.
func (c Config) WithTransport(t Transport) Config {
	c.On = t.On
	c.Emit = t.Emit
	return c
}

// Exposed returns the namespace the session offers to its peer.
func (c Config) Exposed() Namespace {
	return c.exposed
}

// resolveConfig validates the transport binding, fills defaults and attaches
// the exposed namespace. The returned value is owned by the session.
func resolveConfig(cfg Config, exposed Namespace) (Config, error) {
	if cfg.On == nil {
		return cfg, ErrMissingOn
	}
	if cfg.Emit == nil {
		return cfg, ErrMissingEmit
	}

	cfg.Channel = channelName(cfg.Channel)
	if !cfg.EnableStackTrace {
		if v := os.Getenv("PEERRPC_STACK_TRACE"); v != "" {
			on, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, NewTypeError("PEERRPC_STACK_TRACE: %v", err)
			}
			cfg.EnableStackTrace = on
		}
	}

	if cfg.DefaultAsyncType == "" {
		cfg.DefaultAsyncType = DefaultAsyncType
	}
	if !cfg.DefaultAsyncType.callable() {
		return cfg, NewTypeError("unsupported default async type %q", cfg.DefaultAsyncType)
	}
	if cfg.CreateRetry == 0 {
		cfg.CreateRetry = DefaultCreateRetry
	}
	if cfg.CreateRetryCurve == 0 {
		cfg.CreateRetryCurve = DefaultCreateRetryCurve
	}
	if cfg.CreateWait == 0 {
		cfg.CreateWait = DefaultCreateWait
	}
	if cfg.MaxAckDelay == 0 {
		cfg.MaxAckDelay = DefaultMaxAckDelay
	}

	if cfg.CreateRetry < 0 || cfg.CreateWait < 0 || cfg.MaxAckDelay < 0 {
		return cfg, NewTypeError("durations must not be negative")
	}
	if cfg.CreateRetryCurve < 1 {
		return cfg, NewTypeError("create retry curve must be at least 1, got %v", cfg.CreateRetryCurve)
	}

	if exposed == nil {
		exposed = Namespace{}
	}
	cfg.exposed = exposed
	return cfg, nil
}

// channelName applies the PEERRPC_CHANNEL and DefaultChannel fallbacks.
func channelName(name string) string {
	if name == "" {
		name = os.Getenv("PEERRPC_CHANNEL")
	}
	if name == "" {
		name = DefaultChannel
	}
	return name
}

func (c Config) String() string {
	return fmt.Sprintf("channel=%s async=%s retry=%s curve=%.2f wait=%s acks=%t",
		c.Channel, c.DefaultAsyncType, c.CreateRetry, c.CreateRetryCurve, c.CreateWait, c.UseAcks)
}
