package metrics

import (
	"fmt"
	"time"
)

// ReportInterval is the minimum spacing between two snapshots.
const ReportInterval = 5 * time.Second

// Snapshot is a throughput reading in blocks per second.
type Snapshot struct {
	CurrentSpeed float64
	AverageSpeed float64
	TotalBlocks  uint64
}

func (s Snapshot) String() string {
	return fmt.Sprintf("Speed: %.2f blocks/s (avg: %.2f blocks/s)", s.CurrentSpeed, s.AverageSpeed)
}

// Tracker derives throughput from a growing block count. Not safe for concurrent use;
// each monitor owns its own.
type Tracker struct {
	now func() time.Time

	start     time.Time
	last      time.Time
	total     uint64
	lastTotal uint64
}

// NewTracker uses now as its clock; nil means time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Start records the epoch and opens the first window.
func (t *Tracker) Start() {
	t.start = t.now()
	t.last = t.start
	t.total = 0
	t.lastTotal = 0
}

// Update adds n processed blocks. It returns a snapshot when at least
// ReportInterval has passed since the previous one, otherwise nil.
func (t *Tracker) Update(n uint64) *Snapshot {
	if t.start.IsZero() {
		t.Start()
	}
	t.total += n

	now := t.now()
	elapsed := now.Sub(t.last)
	if elapsed < ReportInterval {
		return nil
	}

	snap := &Snapshot{
		CurrentSpeed: float64(t.total-t.lastTotal) / elapsed.Seconds(),
		TotalBlocks:  t.total,
	}
	if since := now.Sub(t.start); since > 0 {
		snap.AverageSpeed = float64(t.total) / since.Seconds()
	}
	t.last = now
	t.lastTotal = t.total
	return snap
}
