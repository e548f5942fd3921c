package peerrpc

import (
	"testing"
	"time"
)

func TestBackoff_CurveWithCap(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second, 2)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("backoff %d = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_DefaultCurve(t *testing.T) {
	b := newBackoff(DefaultCreateRetry, DefaultCreateWait, DefaultCreateRetryCurve)

	if d := b.next(); d != 10*time.Millisecond {
		t.Errorf("first backoff = %v, want 10ms", d)
	}
	if d := b.next(); d != 12*time.Millisecond {
		t.Errorf("second backoff = %v, want 12ms", d)
	}
}
