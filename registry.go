package peerrpc

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// settledMemory is how many settled uids are remembered so that late or
// duplicate returns can be told apart from returns nobody asked for.
const settledMemory = 1024

// Call is the pending result of a promise-convention invocation.
type Call struct {
	UID  string
	Path string

	done    chan struct{}
	once    sync.Once
	results Args
	err     error
}

func newCall(uid, path string) *Call {
	return &Call{UID: uid, Path: path, done: make(chan struct{})}
}

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx expires. Expiry of ctx does not
// cancel the call on the peer.
func (c *Call) Wait(ctx context.Context) (Args, error) {
	select {
	case <-c.done:
		return c.results, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a settled call. It must only be called
// after Done is closed.
func (c *Call) Result() (Args, error) {
	return c.results, c.err
}

func (c *Call) resolve(results Args) {
	c.once.Do(func() {
		c.results = results
		close(c.done)
	})
}

func (c *Call) reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// asyncHandle pairs a pending result with its convention.
type asyncHandle struct {
	convention Convention
	call       *Call    // promise
	callback   Callback // nodeCallback
}

func (h asyncHandle) succeed(results Args) {
	switch h.convention {
	case ConventionNodeCallback:
		h.callback(nil, results...)
	default:
		h.call.resolve(results)
	}
}

func (h asyncHandle) fail(err error) {
	switch h.convention {
	case ConventionNodeCallback:
		h.callback(err)
	default:
		h.call.reject(err)
	}
}

// callRegistry maps uids of outbound calls to their pending results.
type callRegistry struct {
	mu      sync.Mutex
	handles map[string]asyncHandle
	settled *lru.Cache[string, struct{}]
}

func newCallRegistry() *callRegistry {
	settled, _ := lru.New[string, struct{}](settledMemory)
	return &callRegistry{
		handles: make(map[string]asyncHandle),
		settled: settled,
	}
}

func (r *callRegistry) register(uid string, h asyncHandle) error {
	switch h.convention {
	case ConventionPromise:
		if h.call == nil {
			return NewTypeError("promise handle without a deferred result")
		}
	case ConventionNodeCallback:
		if h.callback == nil {
			return ErrCallbackRequired
		}
	default:
		return NewTypeError("cannot register convention %q", h.convention)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[uid]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, uid)
	}
	r.handles[uid] = h
	return nil
}

// take removes and returns the handle for uid. A uid is taken at most once.
func (r *callRegistry) take(uid string) (asyncHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[uid]
	if !ok {
		if r.settled.Contains(uid) {
			return asyncHandle{}, fmt.Errorf("%w: %s", ErrAlreadySettled, uid)
		}
		return asyncHandle{}, fmt.Errorf("%w: %s", ErrUnknownCall, uid)
	}
	delete(r.handles, uid)
	r.settled.Add(uid, struct{}{})
	return h, nil
}

// drain removes every pending handle.
func (r *callRegistry) drain() map[string]asyncHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.handles
	r.handles = make(map[string]asyncHandle)
	for uid := range handles {
		r.settled.Add(uid, struct{}{})
	}
	return handles
}

func (r *callRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
