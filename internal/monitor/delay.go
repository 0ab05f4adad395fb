package monitor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollDelay adapts the wait between finalized-height checks: ×5 while the chain
// is quiet, ×0.5 while it advances, always within [min, max].
type PollDelay struct {
	min, max time.Duration
	current  time.Duration
	last     uint64
	seen     bool
}

func NewPollDelay(initial, minDelay, maxDelay time.Duration) *PollDelay {
	p := &PollDelay{min: minDelay, max: maxDelay}
	p.current = p.clamp(initial)
	return p
}

// Observe feeds the latest finalized height and returns the next delay.
// The first observation counts as progress.
func (p *PollDelay) Observe(finalized uint64) time.Duration {
	if p.seen && finalized == p.last {
		p.current = p.clamp(p.current * 5)
	} else {
		p.current = p.clamp(p.current / 2)
		p.last = finalized
		p.seen = true
	}
	return p.current
}

func (p *PollDelay) Current() time.Duration { return p.current }

func (p *PollDelay) clamp(d time.Duration) time.Duration {
	if d < p.min {
		return p.min
	}
	if d > p.max {
		return p.max
	}
	return d
}

// Backoff yields min(base·2^(k-1), max) for the k-th consecutive failure.
type Backoff struct {
	base, max time.Duration
	eb        *backoff.ExponentialBackOff
	attempts  int
}

func NewBackoff(base, limit time.Duration) *Backoff {
	if limit < base {
		limit = base
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = limit
	eb.MaxElapsedTime = 0
	eb.Reset()
	return &Backoff{base: base, max: limit, eb: eb}
}

// Next records a failure and returns how long to wait.
func (b *Backoff) Next() time.Duration {
	b.attempts++
	d := b.eb.NextBackOff()
	switch {
	case d == backoff.Stop, d > b.max:
		return b.max
	case d < b.base:
		return b.base
	}
	return d
}

// Reset is called after a successful connect.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.eb.Reset()
}

// Attempts is the number of consecutive failures since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }
