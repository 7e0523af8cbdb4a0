package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// counterDesc binds one counter to its metric description.
type counterDesc struct {
	desc *prometheus.Desc
	load func(*Counters) uint64
}

// Collector exposes Counters as Prometheus counters. It reads the atomics on
// every scrape and keeps no state of its own.
type Collector struct {
	counters *Counters
	descs    []counterDesc
}

// NewCollector returns a collector for c. Metric names are prefixed with
// namespace (for example "instrace").
func NewCollector(c *Counters, namespace string) *Collector {
	mk := func(name, help string, load func(*Counters) uint64) counterDesc {
		return counterDesc{
			desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			load: load,
		}
	}
	return &Collector{
		counters: c,
		descs: []counterDesc{
			mk("records_flushed_total", "Records flushed from per-thread buffers to the sink.",
				func(c *Counters) uint64 { return c.RecordsFlushed.Load() }),
			mk("records_direct_total", "Records written directly to the sink by call interception.",
				func(c *Counters) uint64 { return c.RecordsDirect.Load() }),
			mk("flushes_total", "Successful non-empty buffer flushes.",
				func(c *Counters) uint64 { return c.Flushes.Load() }),
			mk("flush_failures_total", "Flushes rejected by the sink.",
				func(c *Counters) uint64 { return c.FlushFailures.Load() }),
			mk("records_lost_total", "Records dropped by the failure policy or discarded at teardown.",
				func(c *Counters) uint64 { return c.RecordsLost.Load() }),
			mk("sink_discarded_total", "Records the sink accepted but could not write out.",
				func(c *Counters) uint64 { return c.SinkDiscarded.Load() }),
			mk("calls_entered_total", "Intercepted calls that reached the entry hook.",
				func(c *Counters) uint64 { return c.CallsEntered.Load() }),
			mk("calls_exited_total", "Intercepted calls that reached the exit hook with a matching entry.",
				func(c *Counters) uint64 { return c.CallsExited.Load() }),
			mk("orphan_exits_total", "Exit hooks that fired without a matching entry.",
				func(c *Counters) uint64 { return c.OrphanExits.Load() }),
			mk("threads_started_total", "Threads that started being monitored.",
				func(c *Counters) uint64 { return c.ThreadsStarted.Load() }),
			mk("threads_exited_total", "Monitored threads that exited.",
				func(c *Counters) uint64 { return c.ThreadsExited.Load() }),
			mk("blocks_installed_total", "Blocks whose capture sites were installed.",
				func(c *Counters) uint64 { return c.BlocksInstalled.Load() }),
			mk("blocks_reinstalled_total", "Installs of an already-known block.",
				func(c *Counters) uint64 { return c.BlocksReinstalled.Load() }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.load(c.counters)))
	}
}
