package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors labelled by network.
type Metrics struct {
	blocksProcessed  *prometheus.CounterVec
	blockErrors      *prometheus.CounterVec
	alertsSent       *prometheus.CounterVec
	alertsDropped    *prometheus.CounterVec
	connectionErrors *prometheus.CounterVec
	watermark        *prometheus.GaugeVec
	finalizedHeight  *prometheus.GaugeVec
	pollDelay        *prometheus.GaugeVec
	backoff          *prometheus.GaugeVec
	connectionState  *prometheus.GaugeVec
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gov_watch_blocks_processed_total",
			Help: "Total number of blocks processed",
		}, []string{"network"}),
		blockErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gov_watch_block_errors_total",
			Help: "Total number of blocks skipped after a fetch or decode failure",
		}, []string{"network"}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gov_watch_alerts_sent_total",
			Help: "Total number of alerts sent to sinks",
		}, []string{"network", "sink"}),
		alertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gov_watch_alerts_dropped_total",
			Help: "Total number of alerts dropped (filter/dedupe/rate-limit/error)",
		}, []string{"network", "sink", "reason"}),
		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gov_watch_connection_errors_total",
			Help: "Total number of connection failures that led to backoff",
		}, []string{"network"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gov_watch_watermark",
			Help: "Last fully processed block height",
		}, []string{"network"}),
		finalizedHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gov_watch_finalized_height",
			Help: "Latest finalized block height observed",
		}, []string{"network"}),
		pollDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gov_watch_poll_delay_seconds",
			Help: "Current adaptive poll delay",
		}, []string{"network"}),
		backoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gov_watch_backoff_seconds",
			Help: "Delay of the most recent reconnect backoff",
		}, []string{"network"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gov_watch_connection_state",
			Help: "1 for the state each network is currently in, 0 otherwise",
		}, []string{"network", "state"}),
	}
	reg.MustRegister(
		m.blocksProcessed,
		m.blockErrors,
		m.alertsSent,
		m.alertsDropped,
		m.connectionErrors,
		m.watermark,
		m.finalizedHeight,
		m.pollDelay,
		m.backoff,
		m.connectionState,
	)
	return m
}

// BlocksProcessed adds n to the processed counter.
func (m *Metrics) BlocksProcessed(network string, n int) {
	if m != nil && n > 0 {
		m.blocksProcessed.WithLabelValues(network).Add(float64(n))
	}
}

func (m *Metrics) BlockError(network string) {
	if m != nil {
		m.blockErrors.WithLabelValues(network).Inc()
	}
}

// AlertSent increments the alerts sent counter.
func (m *Metrics) AlertSent(network, sink string) {
	if m != nil {
		m.alertsSent.WithLabelValues(network, sink).Inc()
	}
}

// AlertDropped increments the alerts dropped counter.
func (m *Metrics) AlertDropped(network, sink, reason string) {
	if m != nil {
		m.alertsDropped.WithLabelValues(network, sink, reason).Inc()
	}
}

func (m *Metrics) ConnectionError(network string) {
	if m != nil {
		m.connectionErrors.WithLabelValues(network).Inc()
	}
}

func (m *Metrics) SetWatermark(network string, height uint64) {
	if m != nil {
		m.watermark.WithLabelValues(network).Set(float64(height))
	}
}

func (m *Metrics) SetFinalizedHeight(network string, height uint64) {
	if m != nil {
		m.finalizedHeight.WithLabelValues(network).Set(float64(height))
	}
}

func (m *Metrics) SetPollDelay(network string, d time.Duration) {
	if m != nil {
		m.pollDelay.WithLabelValues(network).Set(d.Seconds())
	}
}

func (m *Metrics) SetBackoff(network string, d time.Duration) {
	if m != nil {
		m.backoff.WithLabelValues(network).Set(d.Seconds())
	}
}

// SetConnectionState marks state as current for network and clears the others.
func (m *Metrics) SetConnectionState(network, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(network, s).Set(v)
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
