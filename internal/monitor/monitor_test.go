package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devblac/gov-watch/internal/chain"
	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/rules"
)

type fakeClient struct {
	finalized func() (uint64, error)
	events    func(h uint64) ([]chain.Event, error)

	mu      sync.Mutex
	fetched []uint64
	closed  bool
}

func (c *fakeClient) FinalizedHeight(ctx context.Context) (uint64, error) {
	return c.finalized()
}

func (c *fakeClient) BlockHash(ctx context.Context, height uint64) (string, error) {
	return fmt.Sprintf("0x%x", height), nil
}

func (c *fakeClient) Events(ctx context.Context, hash string) ([]chain.Event, error) {
	h, err := strconv.ParseUint(strings.TrimPrefix(hash, "0x"), 16, 64)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.fetched = append(c.fetched, h)
	c.mu.Unlock()
	if c.events == nil {
		return nil, nil
	}
	return c.events(h)
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func constant(f uint64) func() (uint64, error) {
	return func() (uint64, error) { return f, nil }
}

type memStore struct {
	mu      sync.Mutex
	data    map[string]uint64
	history []uint64
	gets    int
	getErr  error
	setErr  error
}

func newMemStore() *memStore { return &memStore{data: map[string]uint64{}} }

func (s *memStore) Get(_ context.Context, network string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return 0, false, s.getErr
	}
	h, ok := s.data[network]
	return h, ok, nil
}

func (s *memStore) Set(_ context.Context, network string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, height)
	if s.setErr != nil {
		return s.setErr
	}
	s.data[network] = height
	return nil
}

func (s *memStore) Delete(_ context.Context, network string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, network)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) writes() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.history...)
}

type alert struct {
	network string
	height  uint64
	ev      chain.Event
}

type recSink struct {
	mu       sync.Mutex
	alerts   []alert
	statuses []string
}

func (s *recSink) EmitEventAlert(_ context.Context, network string, height uint64, ev chain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert{network, height, ev})
}

func (s *recSink) EmitStatus(_ context.Context, network, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, text)
}

// dialSeq hands out clients (or errors) in order; the last entry repeats.
func dialSeq(steps ...any) chain.Dialer {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, ep chain.Endpoint) (chain.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		step := steps[min(i, len(steps)-1)]
		i++
		switch v := step.(type) {
		case error:
			return nil, v
		case chain.Client:
			return v, nil
		}
		panic("unexpected dial step")
	}
}

type harness struct {
	t       *testing.T
	store   *memStore
	sink    *recSink
	clock   time.Time
	sleeps  []time.Duration
	trans   []Transition
	stopped int
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, store: newMemStore(), sink: &recSink{}, clock: time.Unix(1_700_000_000, 0)}
}

// run executes the monitor until stop reports true at a sleep point.
func (h *harness) run(opts Options, stop func() bool) *Monitor {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.Network.Name == "" {
		opts.Network = config.Network{Name: "polkadot", URL: "wss://test", BatchSize: 10}
	}
	if opts.Rules == nil {
		opts.Rules = rules.Default()
	}
	if opts.Store == nil {
		opts.Store = h.store
	}
	opts.Sink = h.sink
	opts.Now = func() time.Time { return h.clock }
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		h.clock = h.clock.Add(d)
		if stop() || len(h.sleeps) > 100 {
			cancel()
		}
		return ctx.Err()
	}
	opts.OnTransition = func(tr Transition) { h.trans = append(h.trans, tr) }
	opts.OnStop = func() { h.stopped++ }

	m, err := New(opts)
	if err != nil {
		h.t.Fatalf("new monitor: %v", err)
	}
	if err := m.Run(ctx); err != nil {
		h.t.Fatalf("run returned %v", err)
	}
	if h.stopped != 1 {
		h.t.Fatalf("OnStop called %d times", h.stopped)
	}
	return m
}

func (h *harness) wroteHeight(height uint64) func() bool {
	return func() bool {
		w := h.store.writes()
		return len(w) > 0 && w[len(w)-1] == height
	}
}

func afterSleeps(h *harness, n int) func() bool {
	return func() bool { return len(h.sleeps) >= n }
}

func equalHeights(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func heights(from, to uint64) []uint64 {
	var out []uint64
	for h := from; h < to; h++ {
		out = append(out, h)
	}
	return out
}

func TestEndToEndBatchesFromWatermark(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 500
	client := &fakeClient{finalized: constant(525)}

	h.run(Options{Dial: dialSeq(client)}, afterSleeps(h, 3))

	if got := h.store.writes(); !equalHeights(got, []uint64{509, 519, 525}) {
		t.Fatalf("watermark writes: %v", got)
	}
	if !equalHeights(client.fetched, heights(500, 526)) {
		t.Fatalf("blocks fetched out of order or missing: %v", client.fetched)
	}
	if !client.closed {
		t.Fatalf("client not closed on stop")
	}
	want := []string{"Processing blocks #500 to #509", "Processing blocks #510 to #519", "Processing blocks #520 to #525"}
	var got []string
	for _, s := range h.sink.statuses {
		if strings.HasPrefix(s, "Processing") {
			got = append(got, s)
		}
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("status lines: %v", got)
	}
}

func TestWatermarkAfterBatchesIgnoresSkippedBlock(t *testing.T) {
	h := newHarness(t)
	start := uint64(1000)
	client := &fakeClient{
		finalized: constant(5000),
		events: func(height uint64) ([]chain.Event, error) {
			if height == 1013 {
				return nil, errors.New("decode failed")
			}
			return []chain.Event{{ModuleID: "Democracy", EventID: "Voted"}}, nil
		},
	}

	h.run(Options{Dial: dialSeq(client), StartBlock: &start}, afterSleeps(h, 4))

	// B + N*S - 1 for N = 4, S = 10.
	w := h.store.writes()
	if w[len(w)-1] != 1039 {
		t.Fatalf("watermark after 4 batches: %v", w)
	}
	if len(h.sink.alerts) != 39 {
		t.Fatalf("expected 39 alerts (one block skipped), got %d", len(h.sink.alerts))
	}
	for _, a := range h.sink.alerts {
		if a.height == 1013 {
			t.Fatalf("alert from failed block")
		}
	}
}

func TestResumeFromStoredWatermark(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 1000
	client := &fakeClient{finalized: constant(1500)}

	h.run(Options{Dial: dialSeq(client)}, afterSleeps(h, 1))

	if client.fetched[0] != 1000 {
		t.Fatalf("expected to resume at 1000, started at %d", client.fetched[0])
	}
	if got := h.store.writes(); !equalHeights(got, []uint64{1009}) {
		t.Fatalf("writes: %v", got)
	}
}

func TestColdStartBeginsAtFinalizedHeight(t *testing.T) {
	h := newHarness(t)
	client := &fakeClient{finalized: constant(777)}

	h.run(Options{Dial: dialSeq(client)}, afterSleeps(h, 2))

	if !equalHeights(client.fetched, []uint64{777}) {
		t.Fatalf("cold start fetched %v", client.fetched)
	}
	if got := h.store.writes(); !equalHeights(got, []uint64{777}) {
		t.Fatalf("writes: %v", got)
	}
}

func TestWatermarkReadFailureFallsBackToColdStart(t *testing.T) {
	h := newHarness(t)
	h.store.getErr = errors.New("disk on fire")
	client := &fakeClient{finalized: constant(42)}

	h.run(Options{Dial: dialSeq(client)}, afterSleeps(h, 1))

	if !equalHeights(client.fetched, []uint64{42}) {
		t.Fatalf("fetched %v", client.fetched)
	}
}

func TestExplicitStartOverridesWatermark(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 1000
	start := uint64(42)
	client := &fakeClient{finalized: constant(1500)}

	h.run(Options{Dial: dialSeq(client), StartBlock: &start}, afterSleeps(h, 1))

	if client.fetched[0] != 42 {
		t.Fatalf("expected start at 42, got %d", client.fetched[0])
	}
	if h.store.gets != 0 {
		t.Fatalf("store should not be read with an explicit start")
	}
}

func TestEmptyBatchWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 600
	client := &fakeClient{finalized: constant(590)}

	h.run(Options{Dial: dialSeq(client)}, afterSleeps(h, 3))

	if w := h.store.writes(); len(w) != 0 {
		t.Fatalf("expected no watermark writes, got %v", w)
	}
	if len(client.fetched) != 0 {
		t.Fatalf("expected no fetches, got %v", client.fetched)
	}
	for _, s := range h.sink.statuses {
		if strings.HasPrefix(s, "Processing") {
			t.Fatalf("unexpected batch status %q", s)
		}
	}
}

func TestWatermarkWriteFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 0
	h.store.setErr = errors.New("read-only fs")
	client := &fakeClient{finalized: constant(100)}

	h.run(Options{Dial: dialSeq(client)}, afterSleeps(h, 3))

	if got := h.store.writes(); !equalHeights(got, []uint64{9, 19, 29}) {
		t.Fatalf("write attempts: %v", got)
	}
}

func TestReconnectPreservesProgressAndPollState(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 500

	first := &fakeClient{
		finalized: constant(525),
		events: func(height uint64) ([]chain.Event, error) {
			if height == 512 {
				return nil, fmt.Errorf("socket: %w", chain.ErrConnection)
			}
			return nil, nil
		},
	}
	second := &fakeClient{finalized: constant(525)}

	h.run(Options{Dial: dialSeq(first, second)}, h.wroteHeight(525))

	if got := h.store.writes(); !equalHeights(got, []uint64{509, 519, 525}) {
		t.Fatalf("watermark writes: %v", got)
	}
	if h.store.gets != 1 {
		t.Fatalf("watermark should be read once, got %d", h.store.gets)
	}
	if second.fetched[0] != 510 {
		t.Fatalf("reconnect should resume at the batch start 510, got %d", second.fetched[0])
	}
	if !first.closed {
		t.Fatalf("failed client not closed")
	}

	wantSleeps := []time.Duration{1500 * time.Millisecond, 5 * time.Second, 10 * time.Second, 10 * time.Second}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(wantSleeps) {
		t.Fatalf("sleeps: got %v want %v", h.sleeps, wantSleeps)
	}

	wantTrans := []struct {
		to     State
		reason Reason
	}{
		{StateConnected, ReasonConnected},
		{StateBackoff, ReasonConnectionLost},
		{StateDisconnected, ReasonRetry},
		{StateConnected, ReasonConnected},
	}
	if len(h.trans) != len(wantTrans) {
		t.Fatalf("transitions: %+v", h.trans)
	}
	for i, w := range wantTrans {
		if h.trans[i].To != w.to || h.trans[i].Reason != w.reason {
			t.Fatalf("transition %d: got %s/%s want %s/%s", i, h.trans[i].To, h.trans[i].Reason, w.to, w.reason)
		}
	}
	if !errors.Is(h.trans[1].Err, chain.ErrConnection) {
		t.Fatalf("backoff transition should carry the cause: %v", h.trans[1].Err)
	}
}

func TestBackoffDoublesAndResetsAfterConnect(t *testing.T) {
	h := newHarness(t)
	dialErr := fmt.Errorf("refused: %w", chain.ErrConnection)
	broken := &fakeClient{finalized: func() (uint64, error) {
		return 0, fmt.Errorf("timeout: %w", chain.ErrConnection)
	}}

	h.run(Options{Dial: dialSeq(dialErr, dialErr, dialErr, dialErr, broken, dialErr)}, afterSleeps(h, 6))

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 5 * time.Second, 10 * time.Second}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(want) {
		t.Fatalf("backoff sleeps: got %v want %v", h.sleeps, want)
	}
	if h.trans[0].From != StateDisconnected || h.trans[0].To != StateBackoff || h.trans[0].Reason != ReasonDialFailed {
		t.Fatalf("first transition: %+v", h.trans[0])
	}
}

func TestBackoffIsCapped(t *testing.T) {
	h := newHarness(t)
	dialErr := fmt.Errorf("refused: %w", chain.ErrConnection)
	network := config.Network{
		Name:          "kusama",
		URL:           "wss://test",
		BatchSize:     10,
		RetryDelay:    config.Duration(100 * time.Second),
		MaxRetryDelay: config.Duration(300 * time.Second),
	}

	h.run(Options{Network: network, Dial: dialSeq(dialErr)}, afterSleeps(h, 5))

	want := []time.Duration{100 * time.Second, 200 * time.Second, 300 * time.Second, 300 * time.Second, 300 * time.Second}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(want) {
		t.Fatalf("backoff sleeps: got %v want %v", h.sleeps, want)
	}
}

func TestCancellationMidBatchSkipsWatermark(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 500
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{
		finalized: constant(525),
		events: func(height uint64) ([]chain.Event, error) {
			if height == 505 {
				cancel()
			}
			return nil, nil
		},
	}
	stopped := 0
	m, err := New(Options{
		Network: config.Network{Name: "polkadot", URL: "wss://test", BatchSize: 10},
		Rules:   rules.Default(),
		Dial:    dialSeq(client),
		Store:   h.store,
		Sink:    h.sink,
		OnStop:  func() { stopped++ },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if w := h.store.writes(); len(w) != 0 {
		t.Fatalf("abandoned batch must not write a watermark: %v", w)
	}
	if got := client.fetched[len(client.fetched)-1]; got != 505 {
		t.Fatalf("expected to stop after block 505, last fetched %d", got)
	}
	if stopped != 1 {
		t.Fatalf("cleanup hook ran %d times", stopped)
	}
	if cur, _ := m.CurrentBlock(); cur != 500 {
		t.Fatalf("current block should stay at batch start, got %d", cur)
	}
}

func TestOnlyMatchingEventsAreAlerted(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 501
	client := &fakeClient{
		finalized: constant(501),
		events: func(height uint64) ([]chain.Event, error) {
			return []chain.Event{
				{Index: 0, ModuleID: "System", EventID: "ExtrinsicSuccess"},
				{Index: 1, ModuleID: "Democracy", EventID: "Started", Attributes: map[string]any{"0": "7"}},
				{Index: 2, ModuleID: "Referenda", EventID: "Rejected"},
				{Index: 3, ModuleID: "Referenda", EventID: "Approved"},
			}, nil
		},
	}
	set := rules.RuleSet{{Module: "democracy"}, {Module: "referenda", Event: "approved"}}

	h.run(Options{Dial: dialSeq(client), Rules: set}, afterSleeps(h, 1))

	if len(h.sink.alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %+v", h.sink.alerts)
	}
	a := h.sink.alerts[0]
	if a.network != "polkadot" || a.height != 501 || a.ev.EventID != "Started" || a.ev.BlockHash != "0x1f5" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if h.sink.alerts[1].ev.EventID != "Approved" {
		t.Fatalf("unexpected second alert %+v", h.sink.alerts[1])
	}
}

func TestThroughputStatusIsThrottled(t *testing.T) {
	h := newHarness(t)
	h.store.data["polkadot"] = 0
	client := &fakeClient{finalized: constant(1000)}

	h.run(Options{Dial: dialSeq(client)}, afterSleeps(h, 3))

	var speed []string
	for _, s := range h.sink.statuses {
		if strings.HasPrefix(s, "Speed:") {
			speed = append(speed, s)
		}
	}
	// Sleeps of 1.5s and 7.5s put the third iteration past the 5s window.
	if len(speed) != 1 {
		t.Fatalf("expected one throughput status, got %v", speed)
	}
}

func TestStateIsReadableWhileRunning(t *testing.T) {
	client := &fakeClient{finalized: constant(10)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan State, 1)
	var m *Monitor
	m, err := New(Options{
		Network: config.Network{Name: "westend", URL: "wss://test"},
		Dial:    dialSeq(client),
		Store:   newMemStore(),
		Sink:    &recSink{},
		Sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case seen <- m.State():
			default:
			}
			cancel()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("initial state: %s", m.State())
	}
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s := <-seen; s != StateConnected {
		t.Fatalf("state during poll sleep: %s", s)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without network name")
	}
	if _, err := New(Options{Network: config.Network{Name: "x"}}); err == nil {
		t.Fatalf("expected error without dialer/store/sink")
	}
}
