package peerrpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport captures emitted events and lets tests deliver events
// to the subscribed session.
type recordingTransport struct {
	mu      sync.Mutex
	emitted []Event
	handler func(Event)
}

func (r *recordingTransport) On(handler func(Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.handler = nil
	}
}

func (r *recordingTransport) Emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, ev)
	return nil
}

func (r *recordingTransport) deliver(ev Event) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(ev)
	return true
}

func (r *recordingTransport) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.emitted {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func (r *recordingTransport) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.emitted) - 1; i >= 0; i-- {
		if r.emitted[i].Type == kind {
			return r.emitted[i], true
		}
	}
	return Event{}, false
}

func startConnect(s *Session) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background()) }()
	return errc
}

func TestHandshake_Timeout(t *testing.T) {
	mock := clock.NewMock()
	tr := &recordingTransport{}
	s, err := New(Config{CreateRetry: 100 * time.Millisecond, CreateWait: time.Second}.WithTransport(tr),
		nil, discardErrors, WithClock(mock))
	require.NoError(t, err)

	errc := startConnect(s)

	var connectErr error
	require.Eventually(t, func() bool {
		mock.Add(250 * time.Millisecond)
		select {
		case connectErr = <-errc:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, connectErr, ErrHandshakeTimeout)
	assert.Contains(t, connectErr.Error(), "1s")
	assert.Nil(t, s.Remote())

	tr.mu.Lock()
	assert.Nil(t, tr.handler, "failed Connect should unsubscribe")
	tr.mu.Unlock()
}

func TestHandshake_RetryCurve(t *testing.T) {
	mock := clock.NewMock()
	tr := &recordingTransport{}
	s, err := New(Config{
		CreateRetry:      100 * time.Millisecond,
		CreateRetryCurve: 2,
		CreateWait:       time.Minute,
	}.WithTransport(tr), nil, discardErrors, WithClock(mock))
	require.NoError(t, err)
	defer s.Close()

	startConnect(s)

	// First create after CreateRetry.
	require.Eventually(t, func() bool {
		if tr.count(EventCreate) == 1 {
			return true
		}
		mock.Add(100 * time.Millisecond)
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// The next one is scheduled twice as far out.
	mock.Add(199 * time.Millisecond)
	assert.Never(t, func() bool { return tr.count(EventCreate) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return tr.count(EventCreate) == 2 }, 5*time.Second, 5*time.Millisecond)

	mock.Add(399 * time.Millisecond)
	assert.Never(t, func() bool { return tr.count(EventCreate) > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return tr.count(EventCreate) == 3 }, 5*time.Second, 5*time.Millisecond)

	ev, ok := tr.last(EventCreate)
	require.True(t, ok)
	ret, ok := ev.Payload.(Return)
	require.True(t, ok)
	require.Len(t, ret.Result, 1)
	assert.Equal(t, Descriptor{}, ret.Result[0])
}

func TestHandshake_SettlesOnBothCreates(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(testConfig().WithTransport(tr), Namespace{"f": func() {}}, discardErrors)
	require.NoError(t, err)
	defer s.Close()

	errc := startConnect(s)

	peerDesc := Descriptor{"remote": Leaf(ConventionPromise)}
	require.Eventually(t, func() bool {
		return tr.deliver(NewEvent(EventCreate, Return{Result: Args{peerDesc}}, ""))
	}, 5*time.Second, 5*time.Millisecond)

	// The peer's create is answered with our session id.
	require.Eventually(t, func() bool { return tr.count(EventCreateReturn) == 1 }, 5*time.Second, 5*time.Millisecond)
	reply, _ := tr.last(EventCreateReturn)
	assert.Equal(t, Return{Result: Args{s.ID()}}, reply.Payload)

	// A duplicate create is ignored.
	tr.deliver(NewEvent(EventCreate, Return{Result: Args{peerDesc}}, ""))
	assert.Equal(t, 1, tr.count(EventCreateReturn))

	select {
	case <-s.Ready():
		t.Fatal("session should not be ready before createReturn")
	default:
	}

	tr.deliver(NewEvent(EventCreateReturn, Return{Result: Args{"peer-1"}}, ""))
	require.NoError(t, <-errc)
	assert.Equal(t, "peer-1", s.PeerID())
	assert.Equal(t, []string{"remote"}, s.Remote().Paths())

	// Late handshake events are no-ops once settled.
	n := tr.count(EventCreateReturn)
	tr.deliver(NewEvent(EventCreate, Return{Result: Args{peerDesc}}, ""))
	assert.Equal(t, n, tr.count(EventCreateReturn))
}

func TestHandshake_DecodedDescriptor(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(testConfig().WithTransport(tr), nil, discardErrors)
	require.NoError(t, err)
	defer s.Close()

	errc := startConnect(s)

	wire := map[string]any{
		"ping": "promise",
		"fs":   map[string]any{"read": "nodeCallback"},
	}
	require.Eventually(t, func() bool {
		return tr.deliver(NewEvent(EventCreate, Return{Result: Args{wire}}, ""))
	}, 5*time.Second, 5*time.Millisecond)
	tr.deliver(NewEvent(EventCreateReturn, Return{Result: Args{"peer"}}, ""))
	require.NoError(t, <-errc)

	read, err := s.Remote().Lookup("fs.read")
	require.NoError(t, err)
	assert.Equal(t, ConventionNodeCallback, read.Convention)
	assert.Equal(t, []string{"fs.read", "ping"}, s.Remote().Paths())
}

func TestHandshake_ErrorPayloadFails(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(testConfig().WithTransport(tr), nil, discardErrors)
	require.NoError(t, err)

	errc := startConnect(s)

	require.Eventually(t, func() bool {
		return tr.deliver(NewErrorEvent(EventCreate, NewTypeError("refused"), "", false))
	}, 5*time.Second, 5*time.Millisecond)

	connectErr := <-errc
	require.Error(t, connectErr)
	assert.True(t, IsClass(connectErr, ClassType))
	assert.Contains(t, connectErr.Error(), "refused")
}

func TestHandshake_InvocationReported(t *testing.T) {
	tr := &recordingTransport{}
	errs := &errorLog{}
	s, err := New(testConfig().WithTransport(tr), nil, errs.handle)
	require.NoError(t, err)
	defer s.Close()

	startConnect(s)

	require.Eventually(t, func() bool {
		return tr.deliver(NewEvent(EventPromise, Invocation{Fn: "ping"}, ""))
	}, 5*time.Second, 5*time.Millisecond)
	tr.deliver(NewEvent(EventFnReturn, Return{Result: Args{}}, ""))

	assert.True(t, errs.has(KindHandshake, ErrUnexpectedPayload))
	assert.True(t, errs.has(KindHandshake, ErrUnsupportedEvent))
}

func TestHandshake_ContextCancel(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(testConfig().WithTransport(tr), nil, discardErrors)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Connect(ctx) }()
	cancel()

	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestHandshake_CloseBeforeSettleFailsConnect(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(testConfig().WithTransport(tr), nil, discardErrors)
	require.NoError(t, err)
	defer s.invokes.stop()
	defer s.callbacks.stop()

	errc := startConnect(s)
	require.Eventually(t, func() bool { return tr.count(EventCreate) > 0 }, 5*time.Second, 5*time.Millisecond)

	// Closed after negotiation started but before settle runs.
	s.mu.Lock()
	s.closed = true
	hs := s.hs
	s.mu.Unlock()

	hs.receive(NewEvent(EventCreate, Return{Result: Args{Descriptor{}}}, ""))
	hs.receive(NewEvent(EventCreateReturn, Return{Result: Args{"peer"}}, ""))

	require.ErrorIs(t, <-errc, ErrSessionClosed)
	assert.Nil(t, s.Remote())
	select {
	case <-s.Ready():
		t.Fatal("closed session must not become ready")
	default:
	}

	tr.mu.Lock()
	assert.Nil(t, tr.handler, "Connect should unsubscribe")
	tr.mu.Unlock()
}
