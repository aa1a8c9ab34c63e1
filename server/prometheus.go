package server

import (
	"github.com/INLOpen/nexusrelay/writer"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nexusrelay"

// WriterCollector exports the Stats of every writer as Prometheus metrics.
type WriterCollector struct {
	stats func() []writer.Stats

	healthy           *prometheus.Desc
	queueSize         *prometheus.Desc
	backlogFiles      *prometheus.Desc
	backlogRecords    *prometheus.Desc
	recordsQueued     *prometheus.Desc
	recordsDelivered  *prometheus.Desc
	recordsBacklogged *prometheus.Desc
	recordsDropped    *prometheus.Desc
	emptyDiscarded    *prometheus.Desc
	writeErrors       *prometheus.Desc
	latency           *prometheus.Desc
}

// NewWriterCollector creates a collector that calls stats on every scrape.
func NewWriterCollector(stats func() []writer.Stats) *WriterCollector {
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "writer", name), help, append([]string{"writer_id"}, extra...), nil)
	}
	return &WriterCollector{
		stats:             stats,
		healthy:           desc("healthy", "1 when the destination is healthy."),
		queueSize:         desc("queue_size", "Records waiting in the in-memory queue."),
		backlogFiles:      desc("backlog_files", "Batch files in the backlog."),
		backlogRecords:    desc("backlog_records", "Records stored in the backlog."),
		recordsQueued:     desc("records_queued_total", "Records accepted into the queue."),
		recordsDelivered:  desc("records_delivered_total", "Records written to the destination."),
		recordsBacklogged: desc("records_backlogged_total", "Records written to the backlog."),
		recordsDropped:    desc("records_dropped_total", "Records discarded after a failure."),
		emptyDiscarded:    desc("empty_discarded_total", "Empty records discarded."),
		writeErrors:       desc("write_errors_total", "Failed destination writes."),
		latency:           desc("write_latency_seconds", "Estimated destination write latency.", "quantile"),
	}
}

func (c *WriterCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.healthy, c.queueSize, c.backlogFiles, c.backlogRecords,
		c.recordsQueued, c.recordsDelivered, c.recordsBacklogged, c.recordsDropped,
		c.emptyDiscarded, c.writeErrors, c.latency,
	} {
		ch <- d
	}
}

func (c *WriterCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stats() {
		healthy := 0.0
		if s.Healthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy, s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(s.QueueSize), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.backlogFiles, prometheus.GaugeValue, float64(s.BacklogFiles), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.backlogRecords, prometheus.GaugeValue, float64(s.BacklogRecords), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.recordsQueued, prometheus.CounterValue, float64(s.RecordsQueued), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.recordsDelivered, prometheus.CounterValue, float64(s.RecordsDelivered), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.recordsBacklogged, prometheus.CounterValue, float64(s.RecordsBacklogged), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.recordsDropped, prometheus.CounterValue, float64(s.RecordsDropped), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.emptyDiscarded, prometheus.CounterValue, float64(s.EmptyDiscarded), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.writeErrors, prometheus.CounterValue, float64(s.WriteErrors), s.WriterID)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.LatencyP50.Seconds(), s.WriterID, "0.5")
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.LatencyP99.Seconds(), s.WriterID, "0.99")
	}
}
