package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var brokerStates = []string{"disconnected", "connecting", "connected", "offline", "reconnecting", "closed"}

type Metrics struct {
	registry          *prometheus.Registry
	outcomes          *prometheus.CounterVec
	attempts          prometheus.Counter
	retries           *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamRoundTrip prometheus.Histogram
	bytesOut          prometheus.Counter
	brokerState       *prometheus.GaugeVec
	publishDropped    *prometheus.CounterVec
	observedRejected  *prometheus.CounterVec
	dailyResets       prometheus.Counter
	recent            *outcomeWindow
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Total forwarded requests by terminal outcome",
	}, []string{"outcome"})

	attempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_upstream_attempts_total",
		Help: "Total upstream attempts including retries",
	})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_retries_total",
		Help: "Total proxy retries",
	}, []string{"reason"})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_errors_total",
		Help: "Total upstream transport errors",
	}, []string{"category"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_request_duration_seconds",
		Help:    "Proxy request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	upstreamRoundTrip := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxy_upstream_roundtrip_seconds",
		Help:    "Time from sending an attempt to receiving response headers",
		Buckets: prometheus.DefBuckets,
	})

	bytesOut := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_response_bytes_total",
		Help: "Total response bytes streamed to clients",
	})

	brokerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_stats_broker_state",
		Help: "Current stats broker connection state (1 for the active state)",
	}, []string{"state"})

	publishDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_stats_publish_dropped_total",
		Help: "Stats publishes dropped without reaching the broker",
	}, []string{"reason"})

	observedRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_stats_observed_rejected_total",
		Help: "Inbound stats messages discarded during reconciliation",
	}, []string{"reason"})

	dailyResets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_stats_daily_resets_total",
		Help: "Total daily counter resets",
	})

	registry.MustRegister(outcomes, attempts, retries, upstreamErrors, requestDuration, upstreamRoundTrip, bytesOut, brokerState, publishDropped, observedRejected, dailyResets)

	return &Metrics{
		registry:          registry,
		outcomes:          outcomes,
		attempts:          attempts,
		retries:           retries,
		upstreamErrors:    upstreamErrors,
		requestDuration:   requestDuration,
		upstreamRoundTrip: upstreamRoundTrip,
		bytesOut:          bytesOut,
		brokerState:       brokerState,
		publishDropped:    publishDropped,
		observedRejected:  observedRejected,
		dailyResets:       dailyResets,
		recent:            newOutcomeWindow(defaultRecentWindow),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Register adds an external collector, such as the stats counter exporter.
func (m *Metrics) Register(collector prometheus.Collector) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(collector)
}

func (m *Metrics) ObserveRequest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.recent.record(outcome)
}

// Recent reports the outcomes observed during the last minute.
func (m *Metrics) Recent() RecentOutcomes {
	if m == nil {
		return RecentOutcomes{Outcomes: map[string]int{}}
	}
	return m.recent.counts()
}

func (m *Metrics) ObserveAttempt(duration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.Inc()
	m.upstreamRoundTrip.Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.retries.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordUpstreamError(category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "other"
	}
	m.upstreamErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) AddBytesOut(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) SetBrokerState(state string) {
	if m == nil {
		return
	}
	for _, candidate := range brokerStates {
		value := 0.0
		if candidate == state {
			value = 1.0
		}
		m.brokerState.WithLabelValues(candidate).Set(value)
	}
}

func (m *Metrics) RecordPublishDropped(reason string) {
	if m == nil {
		return
	}
	m.publishDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordObservedRejected(reason string) {
	if m == nil {
		return
	}
	m.observedRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDailyReset() {
	if m == nil {
		return
	}
	m.dailyResets.Inc()
}
