package dnvme

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dnvme"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(*MetricsSnapshot) uint64
}

// Collector exposes a Metrics snapshot as Prometheus metrics. Every scrape
// takes a fresh snapshot.
type Collector struct {
	metrics  *Metrics
	counters []counterDesc
	latency  *prometheus.Desc
	uptime   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewPrometheusCollector returns a collector for m. device becomes a
// constant label so several devices can share a registry.
func NewPrometheusCollector(m *Metrics, device string) *Collector {
	labels := prometheus.Labels{"device": device}
	counter := func(name, help string, value func(*MetricsSnapshot) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, labels),
			value: value,
		}
	}

	return &Collector{
		metrics: m,
		counters: []counterDesc{
			counter("admin_commands_total", "Commands sent on the admin submission queue.",
				func(s *MetricsSnapshot) uint64 { return s.AdminCommands }),
			counter("io_commands_total", "Commands sent on I/O submission queues.",
				func(s *MetricsSnapshot) uint64 { return s.IOCommands }),
			counter("admin_bytes_total", "Data bytes attached to admin commands.",
				func(s *MetricsSnapshot) uint64 { return s.AdminBytes }),
			counter("io_bytes_total", "Data bytes attached to I/O commands.",
				func(s *MetricsSnapshot) uint64 { return s.IOBytes }),
			counter("send_errors_total", "Failed command sends.",
				func(s *MetricsSnapshot) uint64 { return s.SendErrors }),
			counter("prepare_errors_total", "Failed I/O queue prepares.",
				func(s *MetricsSnapshot) uint64 { return s.PrepareErrors }),
			counter("reap_errors_total", "Failed inquiries and reaps.",
				func(s *MetricsSnapshot) uint64 { return s.ReapErrors }),
			counter("inquire_calls_total", "Reap inquiries issued.",
				func(s *MetricsSnapshot) uint64 { return s.InquireCalls }),
			counter("reap_calls_total", "Reaps issued.",
				func(s *MetricsSnapshot) uint64 { return s.ReapCalls }),
			counter("entries_reaped_total", "Completion entries reaped.",
				func(s *MetricsSnapshot) uint64 { return s.EntriesReaped }),
			counter("queues_created_total", "I/O queues created.",
				func(s *MetricsSnapshot) uint64 { return s.QueuesCreated }),
			counter("queues_deleted_total", "I/O queues deleted.",
				func(s *MetricsSnapshot) uint64 { return s.QueuesDeleted }),
		},
		latency: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "send_latency_seconds"),
			"Time spent handing a command to the transport.", nil, labels),
		uptime: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "uptime_seconds"),
			"Seconds since the device was opened.", nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.latency
	ch <- c.uptime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(&snap)))
	}

	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, ns := range LatencyBuckets {
		buckets[float64(ns)/1e9] = snap.LatencyHistogram[i]
	}
	count := c.metrics.OpCount.Load()
	sum := float64(c.metrics.TotalLatencyNs.Load()) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets)

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(snap.UptimeNs)/1e9)
}

// WriteMetricsTextfile registers a collector for m in a private registry
// and writes it in the node_exporter textfile format.
func WriteMetricsTextfile(path string, m *Metrics, device string) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewPrometheusCollector(m, device)); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, reg)
}
