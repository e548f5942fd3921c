package peerrpc

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// uidCounterWrap is the value after which the per-call counter restarts at zero.
const uidCounterWrap = 1000

// uidRandomSpan bounds the random suffix (eight base-36 digits).
const uidRandomSpan = 2821109907456

// UIDGenerator produces correlation ids of the form u-<hex ms>-<counter>-<base36>.
// The zero value is ready to use.
type UIDGenerator struct {
	mu      sync.Mutex
	counter int
	now     func() time.Time
}

// DefaultUIDs is the process-wide generator used by sessions that are not
// given one through WithUIDGenerator.
var DefaultUIDs = &UIDGenerator{}

// Next returns a new correlation id.
func (g *UIDGenerator) Next() string {
	g.mu.Lock()
	g.counter++
	if g.counter > uidCounterWrap {
		g.counter = 0
	}
	n := g.counter
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	g.mu.Unlock()

	return strings.Join([]string{
		"u",
		strconv.FormatInt(now().UnixMilli(), 16),
		strconv.Itoa(n),
		strconv.FormatInt(rand.Int63n(uidRandomSpan), 36),
	}, "-")
}

// Reset restarts the counter. Ids issued before and after a reset remain
// distinct as long as the clock has advanced or the random suffix differs.
func (g *UIDGenerator) Reset() {
	g.mu.Lock()
	g.counter = 0
	g.mu.Unlock()
}

// ParseUIDTime recovers the generation timestamp encoded in a uid.
func ParseUIDTime(uid string) (time.Time, error) {
	parts := strings.Split(uid, "-")
	if len(parts) != 4 || parts[0] != "u" {
		return time.Time{}, fmt.Errorf("malformed uid %q", uid)
	}
	ms, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed uid timestamp %q: %w", parts[1], err)
	}
	return time.UnixMilli(ms), nil
}
