package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the store's counters as Prometheus gauges. Daily values
// reset, so they cannot be exposed as counters.
type Collector struct {
	store    *Store
	requests *prometheus.Desc
	failures *prometheus.Desc
	success  *prometheus.Desc
}

func NewCollector(store *Store) *Collector {
	return &Collector{
		store: store,
		requests: prometheus.NewDesc("proxy_stats_requests",
			"Requests recorded in the shared stats", []string{"epoch"}, nil),
		failures: prometheus.NewDesc("proxy_stats_failures",
			"Failures recorded in the shared stats", []string{"epoch"}, nil),
		success: prometheus.NewDesc("proxy_stats_success",
			"Successes recorded in the shared stats by retry count", []string{"epoch", "retry"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failures
	ch <- c.success
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.store.Snapshot()
	c.collectEpoch(ch, EpochDaily, snapshot.Daily)
	c.collectEpoch(ch, EpochTotal, snapshot.Total)
}

func (c *Collector) collectEpoch(ch chan<- prometheus.Metric, epoch Epoch, counters Counters) {
	label := string(epoch)
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.GaugeValue, float64(counters.Requests), label)
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(counters.Failures), label)
	for _, retry := range counters.SuccessRetries() {
		ch <- prometheus.MustNewConstMetric(c.success, prometheus.GaugeValue,
			float64(counters.Success[retry]), label, strconv.Itoa(retry))
	}
}
