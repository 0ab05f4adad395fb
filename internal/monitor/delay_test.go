package monitor

import (
	"testing"
	"time"
)

func TestPollDelayQuietChainBacksOff(t *testing.T) {
	p := NewPollDelay(3*time.Second, time.Second, 10*time.Second)

	first := p.Observe(100)
	if first != 1500*time.Millisecond {
		t.Fatalf("first observation counts as progress, got %s", first)
	}

	prev := first
	for i := 0; i < 10; i++ {
		d := p.Observe(100)
		if d > 10*time.Second {
			t.Fatalf("delay above max: %s", d)
		}
		if d != prev*5 && d != 10*time.Second {
			t.Fatalf("quiet step must be ×5 or clamped, %s -> %s", prev, d)
		}
		if d < prev {
			t.Fatalf("quiet chain must not shorten the delay: %s -> %s", prev, d)
		}
		prev = d
	}
	if prev != 10*time.Second {
		t.Fatalf("expected to settle at max, got %s", prev)
	}
}

func TestPollDelayAdvancingChainSpeedsUp(t *testing.T) {
	p := NewPollDelay(10*time.Second, time.Second, 10*time.Second)

	prev := p.Current()
	for h := uint64(1); h <= 10; h++ {
		d := p.Observe(h)
		if d < time.Second {
			t.Fatalf("delay below min: %s", d)
		}
		if d != prev/2 && d != time.Second {
			t.Fatalf("advancing step must be ×0.5 or clamped, %s -> %s", prev, d)
		}
		prev = d
	}
	if prev != time.Second {
		t.Fatalf("expected to settle at min, got %s", prev)
	}
}

func TestPollDelayMixedSequence(t *testing.T) {
	p := NewPollDelay(3*time.Second, time.Second, 10*time.Second)
	seq := []uint64{100, 100, 100, 101, 102, 102}
	want := []time.Duration{
		1500 * time.Millisecond,
		7500 * time.Millisecond,
		10 * time.Second,
		5 * time.Second,
		2500 * time.Millisecond,
		10 * time.Second,
	}
	for i, f := range seq {
		if got := p.Observe(f); got != want[i] {
			t.Fatalf("step %d (F=%d): got %s want %s", i, f, got, want[i])
		}
	}
}

func TestBackoffSequence(t *testing.T) {
	base, limit := 5*time.Second, 300*time.Second
	b := NewBackoff(base, limit)

	for k := 1; k <= 12; k++ {
		want := base << (k - 1)
		if want > limit {
			want = limit
		}
		if got := b.Next(); got != want {
			t.Fatalf("failure %d: got %s want %s", k, got, want)
		}
		if b.Attempts() != k {
			t.Fatalf("attempts: got %d want %d", b.Attempts(), k)
		}
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Fatalf("reset should clear attempts")
	}
	if got := b.Next(); got != base {
		t.Fatalf("after reset: got %s want %s", got, base)
	}
}

func TestBackoffMaxBelowBase(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Second)
	for i := 0; i < 3; i++ {
		if got := b.Next(); got != 10*time.Second {
			t.Fatalf("got %s", got)
		}
	}
}
