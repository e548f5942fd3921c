package peerrpc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Request is an inbound invocation as seen by middleware.
type Request struct {
	UID  string
	Kind EventKind // invoke, promise or nodeCallback
	Fn   string
	Args Args
}

// Handler serves one inbound invocation.
type Handler func(ctx context.Context, req *Request) (Args, error)

// dispatch handles one inbound event after the handshake has settled.
func (s *Session) dispatch(ev Event) {
	if err := ev.Validate(); err != nil {
		s.report(KindMalformedEvent, ev, err)
		return
	}

	// Ack on delivery, before serving.
	if ev.UseAck && ev.Type != EventAck {
		ack := NewEvent(EventAck, Return{Result: Args{ev.UID}}, s.uids.Next())
		_ = s.emit(ack)
	}

	if err := s.respond(ev); err != nil {
		kind := KindProtocol
		if errors.Is(err, ErrUnsupportedEvent) {
			kind = KindUnsupportedEvent
		}
		s.report(kind, ev, err)
	}
}

func (s *Session) respond(ev Event) error {
	switch ev.Type {
	case EventAck:
		return s.acks.receive(ev)
	case EventInvoke:
		s.invokes.submit(func() {
			if err := s.serve(ev); err != nil {
				s.report(KindProtocol, ev, err)
			}
		})
		return nil
	case EventPromise, EventNodeCallback:
		go func() {
			if err := s.serve(ev); err != nil {
				s.report(KindProtocol, ev, err)
			}
		}()
		return nil
	case EventFnReturn:
		return s.returnPayload(ev)
	case EventCreate, EventCreateReturn:
		// late handshake retries from the peer
		return nil
	case EventDestroy:
		s.peerDestroyed(ev)
		return nil
	case EventDestroyReturn:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}
}

// serve runs the invocation carried by ev and emits exactly one fnReturn.
func (s *Session) serve(ev Event) error {
	inv, ok := ev.Payload.(Invocation)
	if !ok {
		err := fmt.Errorf("%w: %s carries %T", ErrUnexpectedPayload, ev.Type, ev.Payload)
		s.emitReturn(ev.UID, nil, err)
		return err
	}

	s.logger.Debug("serving", zap.String("uid", ev.UID), zap.String("fn", inv.Fn), zap.String("event", string(ev.Type)))
	req := &Request{UID: ev.UID, Kind: ev.Type, Fn: inv.Fn, Args: inv.Args}
	results, err := s.handle(req)
	s.emitReturn(ev.UID, results, err)
	return nil
}

func (s *Session) handle(req *Request) (results Args, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			s.report(KindHandlerPanic, Event{Type: req.Kind, UID: req.UID}, err)
		}
	}()
	return s.handler(s.ctx, req)
}

// callLocal is the innermost Handler: it resolves the path in the exposed
// namespace and calls the function there.
func (s *Session) callLocal(ctx context.Context, req *Request) (Args, error) {
	v, err := resolvePath(s.cfg.exposed, req.Fn)
	if err != nil {
		return nil, err
	}
	t, err := adapt(v)
	if err != nil {
		return nil, err
	}
	if req.Kind != EventNodeCallback || t.cb == nil {
		return t.call(ctx, req.Args)
	}

	type outcome struct {
		results Args
		err     error
	}
	ch := make(chan outcome, 1)
	var fired atomic.Bool
	t.callback(ctx, req.Args, func(err error, results ...any) {
		if !fired.CompareAndSwap(false, true) {
			s.report(KindProtocol, Event{Type: req.Kind, UID: req.UID}, fmt.Errorf("%w: %s", ErrCallbackReused, req.Fn))
			return
		}
		ch <- outcome{results: results, err: err}
	})

	select {
	case o := <-ch:
		return o.results, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) emitReturn(uid string, results Args, err error) {
	var ev Event
	if err != nil {
		ev = NewErrorEvent(EventFnReturn, err, uid, s.cfg.EnableStackTrace)
	} else {
		ev = NewEvent(EventFnReturn, Return{Result: results}, uid)
	}
	_ = s.emit(ev)
}

// returnPayload settles the pending call named by the event uid.
func (s *Session) returnPayload(ev Event) error {
	switch ev.Payload.(type) {
	case Return, ErrorPayload:
	default:
		return NewTypeError("fnReturn carries %T", ev.Payload)
	}

	h, err := s.calls.take(ev.UID)
	if err != nil {
		return err
	}

	s.metrics.setPending(s.calls.len())
	var settle func()
	switch p := ev.Payload.(type) {
	case Return:
		s.metrics.callSettled(true)
		settle = func() { h.succeed(p.Result) }
	case ErrorPayload:
		s.metrics.callSettled(false)
		err := DeserializeError(p.Error, s.cfg.EnableStackTrace)
		settle = func() { h.fail(err) }
	}

	// Callbacks never run on the delivery goroutine.
	if h.convention == ConventionNodeCallback {
		s.callbacks.submit(settle)
		return nil
	}
	settle()
	return nil
}

// peerDestroyed handles the peer closing its session.
func (s *Session) peerDestroyed(ev Event) {
	s.logger.Debug("peer destroyed session", zap.String("uid", ev.UID))
	reply := NewEvent(EventDestroyReturn, Return{Result: Args{s.id}}, ev.UID)

	s.mu.Lock()
	s.peerGone = true
	s.mu.Unlock()

	s.acks.stopAll()
	s.failPending(ErrPeerClosed)
	_ = s.emit(reply)
}

// post registers the pending result of an outbound call and emits it.
func (s *Session) post(kind EventKind, path string, args Args, cb Callback) (*Call, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	uid := s.uids.Next()
	h := asyncHandle{convention: ConventionPromise}
	if kind == EventNodeCallback {
		h.convention = ConventionNodeCallback
		h.callback = cb
	} else {
		h.call = newCall(uid, path)
	}
	if err := s.calls.register(uid, h); err != nil {
		return nil, err
	}
	if err := s.usable(); err != nil {
		_, _ = s.calls.take(uid)
		return nil, err
	}
	s.metrics.setPending(s.calls.len())

	ev := NewEvent(kind, Invocation{Fn: path, Args: args}, uid)
	if err := s.emit(ev); err != nil {
		if _, terr := s.calls.take(uid); terr == nil {
			s.metrics.setPending(s.calls.len())
		}
		return nil, err
	}
	return h.call, nil
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrSessionClosed
	case s.peerGone:
		return ErrPeerClosed
	case !s.settled:
		return ErrNotConnected
	}
	return nil
}

// Invoke calls the peer function at path with a generic invoke event, which
// the peer serves one at a time in arrival order, and waits for its results.
func (s *Session) Invoke(ctx context.Context, path string, args ...any) (Args, error) {
	call, err := s.post(EventInvoke, path, Args(args), nil)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}
