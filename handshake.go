package peerrpc

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// handshake exchanges descriptors with the peer. It emits create events on
// the retry curve until the peer answers with createReturn, and settles once
// it has both sent and received a create.
type handshake struct {
	s       *Session
	backoff *backoff

	mu         sync.Mutex
	hasCreated bool // peer's create received
	isCreated  bool // peer acknowledged our create
	finished   bool
	peerDesc   Descriptor
	peerID     string
	err        error
	retry      *clock.Timer
	deadline   *clock.Timer

	done chan struct{}
}

func newHandshake(s *Session) *handshake {
	return &handshake{
		s:       s,
		backoff: newBackoff(s.cfg.CreateRetry, s.cfg.CreateWait, s.cfg.CreateRetryCurve),
		done:    make(chan struct{}),
	}
}

func (h *handshake) start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deadline = h.s.clock.AfterFunc(h.s.cfg.CreateWait, h.timeout)
	h.retry = h.s.clock.AfterFunc(h.backoff.next(), h.fireCreate)
}

func (h *handshake) fireCreate() {
	h.mu.Lock()
	if h.finished || h.isCreated {
		h.mu.Unlock()
		return
	}
	delay := h.backoff.next()
	h.retry = h.s.clock.AfterFunc(delay, h.fireCreate)
	h.mu.Unlock()

	h.s.logger.Debug("sending create", zap.Duration("next_retry", delay))
	ev := NewEvent(EventCreate, Return{Result: Args{h.s.Descriptor()}}, h.s.uids.Next())
	_ = h.s.emit(ev)
}

func (h *handshake) timeout() {
	h.fail(fmt.Errorf("%w: %s", ErrHandshakeTimeout, h.s.cfg.CreateWait))
}

// receive processes one inbound event during negotiation.
func (h *handshake) receive(ev Event) {
	if err := ev.Validate(); err != nil {
		h.s.report(KindMalformedEvent, ev, err)
		return
	}

	var ret Return
	switch p := ev.Payload.(type) {
	case ErrorPayload:
		h.fail(DeserializeError(p.Error, h.s.cfg.EnableStackTrace))
		return
	case Return:
		ret = p
	default:
		h.s.report(KindHandshake, ev, fmt.Errorf("%w during initialization: %T", ErrUnexpectedPayload, ev.Payload))
		return
	}

	var reply *Event

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventCreate:
		if h.hasCreated {
			h.mu.Unlock()
			return
		}
		desc, err := descriptorFrom(first(ret.Result))
		if err != nil {
			h.mu.Unlock()
			h.s.report(KindHandshake, ev, err)
			return
		}
		h.peerDesc = desc
		h.hasCreated = true
		r := NewEvent(EventCreateReturn, Return{Result: Args{h.s.id}}, h.s.uids.Next())
		reply = &r
	case EventCreateReturn:
		if h.isCreated {
			h.mu.Unlock()
			return
		}
		if h.retry != nil {
			h.retry.Stop()
		}
		h.isCreated = true
		if id, ok := first(ret.Result).(string); ok {
			h.peerID = id
		}
	default:
		h.mu.Unlock()
		h.s.report(KindHandshake, ev, fmt.Errorf("%w during initialization: %s", ErrUnsupportedEvent, ev.Type))
		return
	}

	complete := h.hasCreated && h.isCreated
	if complete {
		h.finished = true
		h.clean()
	}
	h.mu.Unlock()

	if reply != nil {
		_ = h.s.emit(*reply)
	}
	if complete {
		h.s.settle(h.peerDesc, h.peerID)
		close(h.done)
	}
}

// fail ends negotiation with err unless it has already finished.
func (h *handshake) fail(err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.err = err
	h.clean()
	h.mu.Unlock()

	close(h.done)
}

// clean stops both timers. Callers hold h.mu.
func (h *handshake) clean() {
	if h.retry != nil {
		h.retry.Stop()
	}
	if h.deadline != nil {
		h.deadline.Stop()
	}
}

func (h *handshake) result() (Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerDesc, h.err
}

func first(a Args) any {
	if len(a) == 0 {
		return nil
	}
	return a[0]
}
