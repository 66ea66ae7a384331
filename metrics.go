package ldapstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exposes pool statistics as Prometheus metrics. Register it
// with any prometheus.Registerer:
//
//	prometheus.MustRegister(ldapstream.NewPoolCollector(client))
type PoolCollector struct {
	client *Client

	connections *prometheus.Desc
	waiters     *prometheus.Desc
	created     *prometheus.Desc
	failures    *prometheus.Desc
}

// NewPoolCollector creates a collector over the client's pool.
func NewPoolCollector(client *Client) *PoolCollector {
	return &PoolCollector{
		client: client,
		connections: prometheus.NewDesc(
			"ldap_pool_connections",
			"Connections currently held by the pool, by state.",
			[]string{"state"}, nil,
		),
		waiters: prometheus.NewDesc(
			"ldap_pool_waiters",
			"Acquirers queued behind a full pool.",
			nil, nil,
		),
		created: prometheus.NewDesc(
			"ldap_pool_connections_created_total",
			"Total connections created over the pool lifetime.",
			nil, nil,
		),
		failures: prometheus.NewDesc(
			"ldap_pool_connection_errors_total",
			"Total connect and bind failures.",
			nil, nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.waiters
	ch <- c.created
	ch <- c.failures
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.client.Stats()

	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stats.Busy), "busy")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stats.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.waiters, prometheus.GaugeValue, float64(stats.Waiting))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(stats.Created))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.Errors))
}
