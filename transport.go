package peerrpc

import (
	"errors"
	"sync"
)

// Transport is an asynchronous message channel to one peer. Implementations
// must not call handlers from inside Emit.
type Transport interface {
	// On subscribes handler to inbound events and returns its unsubscribe func.
	On(handler func(Event)) (unsubscribe func())

	// Emit sends an event to the peer.
	Emit(Event) error
}

// ErrTransportClosed is returned by Emit on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

type subscription struct {
	id int
	fn func(Event)
}

// Loopback is one end of an in-process transport pair. Events are delivered
// to the other end in emission order on a dedicated goroutine.
type Loopback struct {
	peer  *Loopback
	codec Codec

	mu     sync.Mutex
	subs   []subscription
	nextID int
	queue  []Event
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewLoopback returns two connected endpoints.
func NewLoopback() (*Loopback, *Loopback) {
	return NewCodecLoopback(nil)
}

// NewCodecLoopback returns two connected endpoints that pass every event
// through c, as a byte-oriented transport would.
func NewCodecLoopback(c Codec) (*Loopback, *Loopback) {
	a, b := newLoopback(c), newLoopback(c)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newLoopback(c Codec) *Loopback {
	return &Loopback{
		codec: c,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (l *Loopback) On(handler func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscription{id: id, fn: handler})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *Loopback) Emit(ev Event) error {
	if l.isClosed() {
		return ErrTransportClosed
	}
	if l.codec != nil {
		data, err := l.codec.Marshal(Frame{Event: ev})
		if err != nil {
			return err
		}
		f, err := l.codec.Unmarshal(data)
		if err != nil {
			return err
		}
		ev = f.Event
	}
	return l.peer.enqueue(ev)
}

func (l *Loopback) enqueue(ev Event) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrTransportClosed
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *Loopback) pump() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, ev := range batch {
			l.mu.Lock()
			subs := append([]subscription(nil), l.subs...)
			l.mu.Unlock()
			for _, s := range subs {
				s.fn(ev)
			}
		}
	}
}

func (l *Loopback) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops delivery to this endpoint. Events already queued are dropped.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.queue = nil
	close(l.done)
	return nil
}
