package peerrpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ackTracker holds one timer per unacknowledged outbound event.
type ackTracker struct {
	enabled bool
	delay   time.Duration
	clock   clock.Clock
	expired func(uid string)

	mu     sync.Mutex
	timers map[string]*clock.Timer
}

func newAckTracker(enabled bool, delay time.Duration, clk clock.Clock, expired func(uid string)) *ackTracker {
	return &ackTracker{
		enabled: enabled,
		delay:   delay,
		clock:   clk,
		expired: expired,
		timers:  make(map[string]*clock.Timer),
	}
}

// track starts the acknowledgment timer for uid.
func (a *ackTracker) track(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.timers[uid]; ok {
		old.Stop()
	}
	a.timers[uid] = a.clock.AfterFunc(a.delay, func() { a.expire(uid) })
}

// forget drops the timer for uid without treating it as acknowledged.
func (a *ackTracker) forget(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.timers[uid]; ok {
		t.Stop()
		delete(a.timers, uid)
	}
}

func (a *ackTracker) expire(uid string) {
	a.mu.Lock()
	_, ok := a.timers[uid]
	delete(a.timers, uid)
	a.mu.Unlock()

	if ok && a.expired != nil {
		a.expired(uid)
	}
}

// receive handles an inbound ack event, whose Return payload names the
// acknowledged uid.
func (a *ackTracker) receive(ev Event) error {
	if !a.enabled {
		return ErrAcksDisabled
	}
	ret, ok := ev.Payload.(Return)
	if !ok || len(ret.Result) == 0 {
		return fmt.Errorf("%w: invalid payload", ErrUnknownAck)
	}
	uid, ok := ret.Result[0].(string)
	if !ok {
		return fmt.Errorf("%w: uid is %T", ErrUnknownAck, ret.Result[0])
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.timers[uid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAck, uid)
	}
	t.Stop()
	delete(a.timers, uid)
	return nil
}

func (a *ackTracker) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for uid, t := range a.timers {
		t.Stop()
		delete(a.timers, uid)
	}
}

func (a *ackTracker) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}
