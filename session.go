package peerrpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Session is one side of an RPC connection. It exposes a namespace of local
// functions to the peer and, once connected, offers the peer's functions
// through Remote.
type Session struct {
	cfg     Config
	id      string
	onError ErrorHandler
	logger  *zap.Logger
	metrics *Metrics
	clock   clock.Clock
	uids    *UIDGenerator
	handler Handler

	localDesc Descriptor
	calls     *callRegistry
	acks      *ackTracker
	invokes   *orderedWorker // serves invoke events in delivery order
	callbacks *orderedWorker // runs nodeCallback settlements

	mu        sync.Mutex
	connected bool
	settled   bool
	closed    bool
	peerGone  bool
	hs        *handshake
	remote    *Remote
	peerID    string
	off       func()
	ready     chan struct{}
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session exposing exposed to the peer reachable through cfg's
// transport binding. The onError handler is called for errors that cannot be
// returned to a direct caller (malformed events, late returns, ack timeouts).
// The session does not talk to the peer until Connect is called.
func New(cfg Config, exposed Namespace, onError ErrorHandler, opts ...Option) (*Session, error) {
	resolved, err := resolveConfig(cfg, exposed)
	if err != nil {
		return nil, err
	}

	if onError == nil {
		return nil, errors.New("ErrorHandler must not be nil")
	}

	o := sessionDefaults()
	for _, opt := range opts {
		opt(&o)
	}

	desc, err := BuildDescriptor(resolved.DefaultAsyncType, resolved.exposed, o.override)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       resolved,
		id:        id,
		onError:   onError,
		logger:    o.logger.Named("peerrpc").With(zap.String("session", id), zap.String("channel", resolved.Channel)),
		metrics:   o.metrics,
		clock:     o.clock,
		uids:      o.uids,
		localDesc: desc,
		calls:     newCallRegistry(),
		invokes:   newOrderedWorker(),
		callbacks: newOrderedWorker(),
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.acks = newAckTracker(resolved.UseAcks, resolved.MaxAckDelay, o.clock, s.ackExpired)
	s.handler = Chain(o.middleware...)(s.callLocal)
	return s, nil
}

// Connect subscribes to the transport and negotiates descriptors with the
// peer. It blocks until the handshake settles, Config.CreateWait elapses, or
// ctx is done. Both peers must call Connect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.connected = true
	s.started = s.clock.Now()
	hs := newHandshake(s)
	s.hs = hs
	s.mu.Unlock()

	off := s.cfg.On(s.route)
	s.mu.Lock()
	s.off = off
	s.mu.Unlock()

	s.logger.Debug("negotiating", zap.Stringer("config", s.cfg))
	hs.start()

	select {
	case <-hs.done:
	case <-ctx.Done():
		hs.fail(ctx.Err())
		<-hs.done
	}

	if _, err := hs.result(); err != nil {
		s.logger.Debug("handshake failed", zap.Error(err))
		s.unsubscribe()
		return err
	}

	// Close may win the race against settle after negotiation finished.
	s.mu.Lock()
	ok := s.settled && !s.closed
	s.mu.Unlock()
	if !ok {
		s.unsubscribe()
		return ErrSessionClosed
	}
	return nil
}

// settle is called by the handshake once both creates are exchanged.
func (s *Session) settle(peerDesc Descriptor, peerID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.peerID = peerID
	s.remote = buildRemote(s, peerDesc, "")
	elapsed := s.clock.Since(s.started)
	s.mu.Unlock()

	s.metrics.handshakeDone(elapsed)
	s.logger.Debug("ready", zap.String("peer", peerID), zap.Strings("remote", peerDesc.Paths()))
	close(s.ready)
}

// Ready is closed once the handshake has settled.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Remote returns the peer's functions, or nil before the handshake settles.
func (s *Session) Remote() *Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// ID returns the session id sent to the peer in createReturn.
func (s *Session) ID() string {
	return s.id
}

// PeerID returns the id the peer acknowledged our create with.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Config returns a copy of the resolved configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Descriptor returns the descriptor sent to the peer.
func (s *Session) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDesc
}

// Close unsubscribes from the transport, tells the peer, and rejects every
// pending call with ErrSessionClosed. Calls already on the wire are not
// cancelled on the peer.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hs := s.hs
	settled := s.settled
	peerGone := s.peerGone
	s.mu.Unlock()

	var errs error
	if hs != nil {
		hs.fail(ErrSessionClosed)
	}
	if settled && !peerGone {
		ev := NewEvent(EventDestroy, Return{Result: Args{s.id}}, s.uids.Next())
		if err := s.cfg.Emit(ev); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	s.unsubscribe()
	s.acks.stopAll()
	s.failPending(ErrSessionClosed)
	s.invokes.stop()
	s.callbacks.stop()
	s.cancel()

	s.mu.Lock()
	s.localDesc = nil
	s.mu.Unlock()
	return errs
}

func (s *Session) unsubscribe() {
	s.mu.Lock()
	off := s.off
	s.off = nil
	s.mu.Unlock()
	if off != nil {
		off()
	}
}

func (s *Session) failPending(err error) {
	for uid, h := range s.calls.drain() {
		s.acks.forget(uid)
		h.fail(err)
		s.metrics.callSettled(false)
	}
	s.metrics.setPending(0)
}

// route is the single transport subscription. Events go to the handshake
// while negotiating and to the dispatcher afterwards.
func (s *Session) route(ev Event) {
	s.metrics.eventIn(ev.Type)

	s.mu.Lock()
	closed, settled, hs := s.closed, s.settled, s.hs
	s.mu.Unlock()

	switch {
	case closed:
	case !settled:
		hs.receive(ev)
	default:
		s.dispatch(ev)
	}
}

// emit hands ev to the transport. After the handshake, outbound events are
// tracked for acknowledgment when acks are enabled.
func (s *Session) emit(ev Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	track := s.cfg.UseAcks && s.settled && !s.peerGone && ev.Type != EventAck
	s.mu.Unlock()

	if track {
		ev.UseAck = true
		s.acks.track(ev.UID)
	}
	if err := s.cfg.Emit(ev); err != nil {
		if track {
			s.acks.forget(ev.UID)
		}
		s.report(KindTransportWrite, ev, err)
		return err
	}
	s.metrics.eventOut(ev.Type)
	return nil
}

func (s *Session) ackExpired(uid string) {
	s.report(KindAckTimeout, Event{UID: uid}, ErrDeliveryTimeout)
	h, err := s.calls.take(uid)
	if err != nil {
		return
	}
	s.metrics.callSettled(false)
	s.metrics.setPending(s.calls.len())
	h.fail(ErrDeliveryTimeout)
}

func (s *Session) report(kind ErrorKind, ev Event, err error) {
	s.metrics.errorSeen(kind)
	s.logger.Debug("session error",
		zap.Stringer("kind", kind),
		zap.String("uid", ev.UID),
		zap.String("event", string(ev.Type)),
		zap.Error(err),
	)
	s.onError(PeerError{
		Kind:      kind,
		UID:       ev.UID,
		Event:     ev.Type,
		Cause:     err,
		Timestamp: s.clock.Now(),
	})
}
