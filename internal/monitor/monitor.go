// Package monitor runs the per-network loop: connect, poll the finalized height,
// process new blocks in batches, alert on matching events and advance the watermark.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/gov-watch/internal/chain"
	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/metrics"
	"github.com/devblac/gov-watch/internal/rules"
	"github.com/devblac/gov-watch/internal/watermark"
)

// Sink receives alerts and status lines. Delivery failures are the sink's concern,
// so nothing is returned. Implementations must tolerate concurrent callers.
type Sink interface {
	EmitEventAlert(ctx context.Context, network string, height uint64, ev chain.Event)
	EmitStatus(ctx context.Context, network, text string)
}

type Options struct {
	Network config.Network
	Polling config.PollingConfig
	Rules   rules.RuleSet
	Dial    chain.Dialer
	Store   watermark.Store
	Sink    Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// StartBlock overrides the stored watermark.
	StartBlock *uint64

	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
	OnTransition func(Transition)
	// OnStop runs once when Run returns.
	OnStop func()
}

// Monitor watches one network. Run it from a single goroutine; State may be read
// from anywhere.
type Monitor struct {
	opts    Options
	name    string
	log     *slog.Logger
	poll    *PollDelay
	backoff *Backoff
	tracker *metrics.Tracker

	resolved bool
	current  uint64

	mu    sync.RWMutex
	state State
}

func New(opts Options) (*Monitor, error) {
	if opts.Network.Name == "" {
		return nil, errors.New("network name required")
	}
	if opts.Dial == nil || opts.Store == nil || opts.Sink == nil {
		return nil, errors.New("dialer, watermark store and sink are required")
	}
	if opts.Network.BatchSize == 0 {
		opts.Network.BatchSize = config.DefaultBatchSize
	}
	if opts.Network.RetryDelay <= 0 {
		opts.Network.RetryDelay = config.Duration(config.DefaultRetryDelay)
	}
	if opts.Network.MaxRetryDelay <= 0 {
		opts.Network.MaxRetryDelay = config.Duration(config.DefaultMaxRetryDelay)
	}
	p := opts.Polling
	if p.MinDelay <= 0 || p.MaxDelay <= 0 || p.InitialDelay <= 0 {
		p = config.PollingConfig{
			InitialDelay: config.Duration(config.DefaultInitialPollDelay),
			MinDelay:     config.Duration(config.DefaultMinPollDelay),
			MaxDelay:     config.Duration(config.DefaultMaxPollDelay),
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	return &Monitor{
		opts:    opts,
		name:    opts.Network.Name,
		log:     opts.Logger.With("network", opts.Network.Name),
		poll:    NewPollDelay(p.InitialDelay.Std(), p.MinDelay.Std(), p.MaxDelay.Std()),
		backoff: NewBackoff(opts.Network.RetryDelay.Std(), opts.Network.MaxRetryDelay.Std()),
		tracker: metrics.NewTracker(opts.Now),
		state:   StateDisconnected,
	}, nil
}

func (m *Monitor) Name() string { return m.name }

// State is safe for concurrent use.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentBlock is the next height to process; ok is false until the start height is resolved.
func (m *Monitor) CurrentBlock() (height uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.resolved
}

// Run loops until ctx is cancelled and then returns nil. Connection failures never
// end the loop; they put the monitor in backoff.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.OnStop != nil {
		defer m.opts.OnStop()
	}
	m.opts.Metrics.SetConnectionState(m.name, string(StateDisconnected), States)

	ep := chain.Endpoint{
		URL:       m.opts.Network.URL,
		EventsURL: m.opts.Network.EventsURL,
		Timeout:   m.opts.Network.ConnectionTimeout.Std(),
	}

	for ctx.Err() == nil {
		client, err := m.opts.Dial(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.log.Error("connection failed", "url", ep.URL, "error", err)
			if m.wait(ctx, ReasonDialFailed, err) != nil {
				break
			}
			continue
		}

		m.backoff.Reset()
		m.transition(StateConnected, ReasonConnected, nil, 0)

		err = m.session(ctx, client)
		if cerr := client.Close(); cerr != nil {
			m.log.Debug("close client", "error", cerr)
		}
		if ctx.Err() != nil {
			break
		}
		m.log.Error("connection lost", "current_block", m.current, "error", err)
		if m.wait(ctx, ReasonConnectionLost, err) != nil {
			break
		}
	}

	m.log.Info("monitor stopped", "current_block", m.current)
	return nil
}

// wait enters backoff, sleeps and moves back to disconnected.
func (m *Monitor) wait(ctx context.Context, reason Reason, cause error) error {
	delay := m.backoff.Next()
	m.opts.Metrics.ConnectionError(m.name)
	m.opts.Metrics.SetBackoff(m.name, delay)
	m.transition(StateBackoff, reason, cause, delay)
	m.log.Warn("retrying connection", "attempt", m.backoff.Attempts(), "delay", delay)

	if err := m.opts.Sleep(ctx, delay); err != nil {
		return err
	}
	m.transition(StateDisconnected, ReasonRetry, nil, 0)
	return nil
}

// session runs while connected. It only returns on error or cancellation.
func (m *Monitor) session(ctx context.Context, client chain.Client) error {
	if !m.resolved {
		start, err := m.resolveStart(ctx, client)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.current = start
		m.resolved = true
		m.mu.Unlock()
		m.log.Info("starting to process blocks", "from", start, "rules", m.opts.Rules.Strings())
	}
	m.tracker.Start()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		finalized, err := client.FinalizedHeight(ctx)
		if err != nil {
			return fmt.Errorf("finalized height: %w", err)
		}
		delay := m.poll.Observe(finalized)
		m.opts.Metrics.SetFinalizedHeight(m.name, finalized)
		m.opts.Metrics.SetPollDelay(m.name, delay)

		n, err := m.processBatch(ctx, client, finalized)
		if err != nil {
			return err
		}
		if snap := m.tracker.Update(n); snap != nil {
			m.opts.Sink.EmitStatus(ctx, m.name, snap.String())
		}

		if err := m.opts.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (m *Monitor) resolveStart(ctx context.Context, client chain.Client) (uint64, error) {
	if m.opts.StartBlock != nil {
		return *m.opts.StartBlock, nil
	}

	h, ok, err := m.opts.Store.Get(ctx, m.name)
	switch {
	case err != nil:
		m.log.Warn("failed to read watermark, starting at finalized height", "error", err)
	case ok:
		return h, nil
	}

	f, err := client.FinalizedHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("finalized height: %w", err)
	}
	return f, nil
}

// processBatch handles [current, min(current+batch_size, finalized+1)). The watermark
// is written only when every height in the window was visited.
func (m *Monitor) processBatch(ctx context.Context, client chain.Client, finalized uint64) (uint64, error) {
	start := m.current
	if finalized < start {
		return 0, nil
	}
	end := min(start+m.opts.Network.BatchSize, finalized+1)

	m.opts.Sink.EmitStatus(ctx, m.name, fmt.Sprintf("Processing blocks #%d to #%d", start, end-1))
	m.log.Debug("processing batch", "from", start, "to", end-1, "finalized", finalized)

	for h := start; h < end; h++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := m.processBlock(ctx, client, h); err != nil {
			if chain.IsConnectionError(err) {
				return 0, err
			}
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			m.opts.Metrics.BlockError(m.name)
			m.log.Error("error processing block, skipping", "height", h, "error", err)
		}
	}

	m.mu.Lock()
	m.current = end
	m.mu.Unlock()

	n := end - start
	m.opts.Metrics.BlocksProcessed(m.name, int(n))

	// A finished batch is persisted even if shutdown was requested meanwhile.
	wctx := context.WithoutCancel(ctx)
	if err := m.opts.Store.Set(wctx, m.name, end-1); err != nil {
		m.log.Error("failed to save watermark", "height", end-1, "error", err)
	} else {
		m.opts.Metrics.SetWatermark(m.name, end-1)
	}
	return n, nil
}

func (m *Monitor) processBlock(ctx context.Context, client chain.Client, height uint64) error {
	hash, err := client.BlockHash(ctx, height)
	if err != nil {
		return fmt.Errorf("block hash: %w", err)
	}
	events, err := client.Events(ctx, hash)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}

	for _, ev := range events {
		if !m.opts.Rules.Match(ev.ModuleID, ev.EventID) {
			continue
		}
		if ev.BlockHash == "" {
			ev.BlockHash = hash
		}
		m.log.Info("found monitored event", "height", height, "event", ev.ModuleID+"."+ev.EventID)
		m.opts.Sink.EmitEventAlert(ctx, m.name, height, ev)
	}
	return nil
}

func (m *Monitor) transition(to State, reason Reason, cause error, delay time.Duration) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	m.opts.Metrics.SetConnectionState(m.name, string(to), States)
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(Transition{From: from, To: to, Reason: reason, Err: cause, Delay: delay})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
