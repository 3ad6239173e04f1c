package couchkv

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports the statistics of an instance to Prometheus.
type StatsCollector struct {
	stats func() Stats

	ops          *prometheus.Desc
	timeouts     *prometheus.Desc
	notMyVB      *prometheus.Desc
	ownerless    *prometheus.Desc
	retries      *prometheus.Desc
	relocated    *prometheus.Desc
	configs      *prometheus.Desc
	reconnects   *prometheus.Desc
	socketErrors *prometheus.Desc
	bytesFlushed *prometheus.Desc
	durability   *prometheus.Desc

	poolConnections *prometheus.Desc
	poolCreated     *prometheus.Desc
	poolErrors      *prometheus.Desc
	poolWaitSeconds *prometheus.Desc
	circuitState    *prometheus.Desc
	circuitFailures *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector reading inst.Stats on every
// scrape. Instances register one on Settings.Registerer themselves.
func NewStatsCollector(inst *Instance) *StatsCollector {
	return newStatsCollector(inst.Stats, prometheus.Labels{"instance": inst.id})
}

func newStatsCollector(stats func() Stats, labels prometheus.Labels) *StatsCollector {
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc("couchkv_"+name, help, variable, labels)
	}
	return &StatsCollector{
		stats: stats,

		ops:          desc("operations_total", "Operations by outcome", "status"),
		timeouts:     desc("timeouts_total", "Packets failed by their deadline"),
		notMyVB:      desc("not_my_vbucket_total", "NOT_MY_VBUCKET replies"),
		ownerless:    desc("ownerless_responses_total", "Replies to packets no longer pending"),
		retries:      desc("retries_total", "Packets placed in the retry queue"),
		relocated:    desc("relocated_total", "Packets moved to another server by a config change"),
		configs:      desc("configs_applied_total", "Cluster configs installed"),
		reconnects:   desc("reconnects_total", "Sessions attached to a server"),
		socketErrors: desc("socket_errors_total", "Server connections that failed"),
		bytesFlushed: desc("bytes_flushed_total", "Bytes written to servers"),
		durability:   desc("durability_items_total", "Items checked for durability"),

		poolConnections: desc("pool_connections", "Pooled sessions by state", "server", "state"),
		poolCreated:     desc("pool_connections_created_total", "Sessions created", "server"),
		poolErrors:      desc("pool_acquire_errors_total", "Failed session acquisitions", "server"),
		poolWaitSeconds: desc("pool_acquire_wait_seconds_total", "Time spent waiting for a session", "server"),
		circuitState:    desc("circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open)", "server"),
		circuitFailures: desc("circuit_breaker_failures", "Circuit breaker failure counts", "server", "type"),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.ops, c.timeouts, c.notMyVB, c.ownerless, c.retries, c.relocated,
		c.configs, c.reconnects, c.socketErrors, c.bytesFlushed, c.durability,
		c.poolConnections, c.poolCreated, c.poolErrors, c.poolWaitSeconds,
		c.circuitState, c.circuitFailures,
	} {
		ch <- d
	}
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	cs := s.Client

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.ops, cs.OpsCompleted-cs.OpsFailed, "success")
	counter(c.ops, cs.OpsFailed, "failed")
	counter(c.timeouts, cs.Timeouts)
	counter(c.notMyVB, cs.NotMyVBucket)
	counter(c.ownerless, cs.OwnerlessResponses)
	counter(c.retries, cs.Retries)
	counter(c.relocated, cs.Relocated)
	counter(c.configs, cs.ConfigsApplied)
	counter(c.reconnects, cs.Reconnects)
	counter(c.socketErrors, cs.SocketErrors)
	counter(c.bytesFlushed, cs.BytesFlushed)
	counter(c.durability, cs.DurabilityItems)

	for _, hp := range s.Pools {
		ps := hp.PoolStats
		gauge(c.poolConnections, float64(ps.TotalConns), hp.Host, "total")
		gauge(c.poolConnections, float64(ps.ActiveConns), hp.Host, "active")
		gauge(c.poolConnections, float64(ps.IdleConns), hp.Host, "idle")
		counter(c.poolCreated, ps.CreatedConns, hp.Host)
		counter(c.poolErrors, ps.AcquireErrors, hp.Host)
		ch <- prometheus.MustNewConstMetric(c.poolWaitSeconds, prometheus.CounterValue,
			float64(ps.AcquireWaitTimeNs)/1e9, hp.Host)

		gauge(c.circuitState, float64(hp.CircuitBreakerState), hp.Host)
		gauge(c.circuitFailures, float64(hp.CircuitBreakerCounts.TotalFailures), hp.Host, "total")
		gauge(c.circuitFailures, float64(hp.CircuitBreakerCounts.ConsecutiveFailures), hp.Host, "consecutive")
	}
}
