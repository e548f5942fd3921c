package peerrpc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records events delivered to a Loopback subscription.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) uids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uids := make([]string, len(c.events))
	for i, ev := range c.events {
		uids[i] = ev.UID
	}
	return uids
}

func TestLoopback_DeliversInOrder(t *testing.T) {
	a, b := NewLoopback()
	defer a.Close()
	defer b.Close()

	var got collector
	b.On(got.handle)

	var want []string
	for i := 0; i < 50; i++ {
		uid := fmt.Sprintf("u-%d", i)
		want = append(want, uid)
		require.NoError(t, a.Emit(NewEvent(EventPromise, Invocation{Fn: "f"}, uid)))
	}

	require.Eventually(t, func() bool { return len(got.uids()) == len(want) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got.uids())
}

func TestLoopback_EmitDoesNotRunHandlers(t *testing.T) {
	a, b := NewLoopback()
	defer a.Close()
	defer b.Close()

	release := make(chan struct{})
	delivered := make(chan struct{})
	b.On(func(Event) {
		<-release
		close(delivered)
	})

	require.NoError(t, a.Emit(NewEvent(EventPromise, Invocation{Fn: "f"}, "u-1")))
	close(release)

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestLoopback_Unsubscribe(t *testing.T) {
	a, b := NewLoopback()
	defer a.Close()
	defer b.Close()

	var first, second collector
	off := b.On(first.handle)
	b.On(second.handle)

	require.NoError(t, a.Emit(NewEvent(EventPromise, Invocation{Fn: "f"}, "u-1")))
	require.Eventually(t, func() bool { return len(first.uids()) == 1 && len(second.uids()) == 1 }, 5*time.Second, 5*time.Millisecond)

	off()
	off()
	require.NoError(t, a.Emit(NewEvent(EventPromise, Invocation{Fn: "f"}, "u-2")))
	require.Eventually(t, func() bool { return len(second.uids()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u-1"}, first.uids())
}

func TestLoopback_Close(t *testing.T) {
	a, b := NewLoopback()
	defer a.Close()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Emit(NewEvent(EventPromise, Invocation{Fn: "f"}, "u-1")), ErrTransportClosed)
	assert.ErrorIs(t, a.Emit(NewEvent(EventPromise, Invocation{Fn: "f"}, "u-2")), ErrTransportClosed)
}

func TestCodecLoopback_DecodesWireValues(t *testing.T) {
	a, b := NewCodecLoopback(ProtoCodec{})
	defer a.Close()
	defer b.Close()

	var got collector
	b.On(got.handle)

	require.NoError(t, a.Emit(NewEvent(EventFnReturn, Return{Result: Args{7, "x"}}, "u-1")))
	require.Eventually(t, func() bool { return len(got.uids()) == 1 }, 5*time.Second, 5*time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, Return{Result: Args{float64(7), "x"}}, got.events[0].Payload)
}

func TestSession_OverCodecLoopback(t *testing.T) {
	a, b := NewCodecLoopback(JSONCodec{})
	defer a.Close()
	defer b.Close()

	server, err := New(testConfig().WithTransport(a), Namespace{
		"add": func(x, y int) int { return x + y },
	}, discardErrors)
	require.NoError(t, err)
	defer server.Close()
	client, err := New(testConfig().WithTransport(b), nil, discardErrors)
	require.NoError(t, err)
	defer client.Close()

	connectAll(t, server, client)

	results, err := client.Remote().Func("add").Call(callCtx(t), 40, 2)
	require.NoError(t, err)
	assert.Equal(t, Args{float64(42)}, results)
}
