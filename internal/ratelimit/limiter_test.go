package ratelimit

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func newTestLimiter(max int, w time.Duration) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	l := NewLimiter(max, w)
	l.now = clk.now
	return l, clk
}

func TestAllowUpToMax(t *testing.T) {
	l, _ := newTestLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if err := l.Allow("p1"); err != nil {
			t.Fatalf("event %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("p1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("event 4 err = %v, want ErrRateLimited", err)
	}
}

func TestWindowSlides(t *testing.T) {
	l, clk := newTestLimiter(3, 10*time.Second)

	// Two events at t=0, one at t=6: budget exhausted.
	l.Allow("p1")
	l.Allow("p1")
	clk.advance(6 * time.Second)
	l.Allow("p1")
	if err := l.Allow("p1"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected limit at 3 events in window")
	}

	// At t=11 the two t=0 events have aged out; two slots free.
	clk.advance(5 * time.Second)
	if err := l.Allow("p1"); err != nil {
		t.Fatalf("event after window slide rejected: %v", err)
	}
	if err := l.Allow("p1"); err != nil {
		t.Fatalf("second event after slide rejected: %v", err)
	}
	if err := l.Allow("p1"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("window should hold exactly 3 events again")
	}
}

func TestRejectionsNotCounted(t *testing.T) {
	l, clk := newTestLimiter(2, 10*time.Second)

	l.Allow("p1")
	l.Allow("p1")
	// Hammering the limit must not extend the lockout.
	for i := 0; i < 50; i++ {
		l.Allow("p1")
	}
	clk.advance(10*time.Second + time.Millisecond)
	if err := l.Allow("p1"); err != nil {
		t.Fatalf("recovery after window rejected: %v", err)
	}
}

func TestKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 10*time.Second)

	if err := l.Allow("p1"); err != nil {
		t.Fatalf("p1: %v", err)
	}
	if err := l.Allow("p2"); err != nil {
		t.Fatalf("p2 must not share p1's budget: %v", err)
	}
	if err := l.Allow("p1"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("p1 over budget")
	}
}

func TestForget(t *testing.T) {
	l, _ := newTestLimiter(1, 10*time.Second)

	l.Allow("p1")
	l.Forget("p1")
	if l.Active() != 0 {
		t.Fatalf("active keys = %d after forget, want 0", l.Active())
	}
	if err := l.Allow("p1"); err != nil {
		t.Fatalf("fresh budget after forget: %v", err)
	}
}
