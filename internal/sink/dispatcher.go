package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/gov-watch/internal/chain"
	"github.com/devblac/gov-watch/internal/metrics"
)

// Reasons an alert did not reach a route, as counted in metrics.
const (
	DropFilter    = "filter"
	DropDedupe    = "dedupe"
	DropRateLimit = "rate_limit"
	DropError     = "error"
)

// DefaultSendTimeout bounds a single delivery when the route sets none.
const DefaultSendTimeout = 10 * time.Second

// Deduper remembers delivered alert keys; *storage.Store satisfies it.
type Deduper interface {
	IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error)
	MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error
}

// Route is one configured sink with its delivery options.
type Route struct {
	ID        string
	Sender    Sender
	Networks  map[string]struct{} // empty means every network
	Where     []Predicate
	Limiter   *TokenBucket
	DedupeTTL time.Duration
	Timeout   time.Duration
}

func (r *Route) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultSendTimeout
}

func (r *Route) send(ctx context.Context, alert Alert) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return r.Sender.Send(ctx, alert)
}

func (r *Route) accepts(network string) bool {
	if len(r.Networks) == 0 {
		return true
	}
	_, ok := r.Networks[network]
	return ok
}

type DispatcherConfig struct {
	Dedupe  Deduper
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// DryRun evaluates routes and logs what would be sent without delivering.
	DryRun bool
	Now    func() time.Time
}

// Dispatcher fans alerts out to routes in order. Each delivery runs under the
// route timeout; errors are logged and counted, never returned.
type Dispatcher struct {
	routes []*Route
	cfg    DispatcherConfig
	log    *slog.Logger

	// dedupeMu makes check-then-mark atomic across monitors.
	dedupeMu sync.Mutex
}

func NewDispatcher(routes []*Route, cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{routes: routes, cfg: cfg, log: cfg.Logger}
}

// Routes returns the configured route ids in order.
func (d *Dispatcher) Routes() []string {
	ids := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		ids = append(ids, r.ID)
	}
	return ids
}

func (d *Dispatcher) EmitEventAlert(ctx context.Context, network string, height uint64, ev chain.Event) {
	alert := NewAlert(network, height, ev, d.cfg.Now())
	fields := alert.fields()

	for _, r := range d.routes {
		if !r.accepts(network) {
			continue
		}
		log := d.log.With("sink", r.ID, "network", network, "height", height, "event", alert.Name())

		pass, err := allPredicates(r.Where, fields)
		if err != nil {
			log.Warn("sink filter failed", "error", err)
		}
		if err != nil || !pass {
			d.cfg.Metrics.AlertDropped(network, r.ID, DropFilter)
			continue
		}

		if d.cfg.DryRun {
			log.Info("dry run: alert not delivered", "alert_id", alert.ID)
			continue
		}

		if reason, ok := d.admit(ctx, r, alert); !ok {
			log.Debug("alert dropped", "reason", reason)
			d.cfg.Metrics.AlertDropped(network, r.ID, reason)
			continue
		}

		if err := r.send(ctx, alert); err != nil {
			log.Error("alert delivery failed", "error", err)
			d.cfg.Metrics.AlertDropped(network, r.ID, DropError)
			continue
		}
		d.cfg.Metrics.AlertSent(network, r.ID)
	}
}

// admit applies dedupe then the rate limit. The dedupe key is marked before
// sending, so a failed delivery is not retried by a replay.
func (d *Dispatcher) admit(ctx context.Context, r *Route, alert Alert) (string, bool) {
	now := d.cfg.Now()
	if r.DedupeTTL <= 0 || d.cfg.Dedupe == nil {
		if r.Limiter != nil && !r.Limiter.Allow(now) {
			return DropRateLimit, false
		}
		return "", true
	}

	d.dedupeMu.Lock()
	defer d.dedupeMu.Unlock()

	key := alert.DedupeKey(r.ID)
	dup, err := d.cfg.Dedupe.IsDuplicate(ctx, key, now)
	if err != nil {
		// Prefer a possible duplicate over a lost alert.
		d.log.Warn("dedupe lookup failed", "sink", r.ID, "error", err)
	}
	if dup {
		return DropDedupe, false
	}
	if r.Limiter != nil && !r.Limiter.Allow(now) {
		return DropRateLimit, false
	}
	if err := d.cfg.Dedupe.MarkDedupe(ctx, key, now.Add(r.DedupeTTL)); err != nil {
		d.log.Warn("dedupe mark failed", "sink", r.ID, "error", err)
	}
	return "", true
}

func (d *Dispatcher) EmitStatus(ctx context.Context, network, text string) {
	for _, r := range d.routes {
		if !r.accepts(network) {
			continue
		}
		ss, ok := r.Sender.(StatusSender)
		if !ok {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, r.timeout())
		err := ss.SendStatus(sctx, network, text)
		cancel()
		if err != nil {
			d.log.Warn("status delivery failed", "sink", r.ID, "network", network, "error", err)
		}
	}
}

// Close releases every sender that holds a connection.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, r := range d.routes {
		if c, ok := r.Sender.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
