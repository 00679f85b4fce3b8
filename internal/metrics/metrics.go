// Package metrics exposes per-mount prometheus instrumentation. Each mount
// owns its own registry; nothing is registered globally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the counters and gauges for one mount.
type Collector struct {
	registry *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheBytes     prometheus.Gauge

	DedupHits prometheus.Counter

	BlocksUploaded prometheus.Counter
	BlocksFailed   prometheus.Counter
	UploadRetries  prometheus.Counter
	BytesUploaded  prometheus.Counter
	BytesFetched   prometheus.Counter

	BlocksSwept    prometheus.Counter
	OrphansRemoved prometheus.Counter
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "cache", Name: "hits_total",
			Help: "Block cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "cache", Name: "misses_total",
			Help: "Block cache misses requiring a remote fetch.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "cache", Name: "evictions_total",
			Help: "Clean entries evicted from the block cache.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobfs", Subsystem: "cache", Name: "bytes",
			Help: "Plaintext bytes currently held in the block cache.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "dedup", Name: "hits_total",
			Help: "Writes satisfied by an existing block.",
		}),
		BlocksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "upload", Name: "blocks_total",
			Help: "Blocks confirmed uploaded to the remote store.",
		}),
		BlocksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "upload", Name: "failures_total",
			Help: "Blocks whose upload retry budget was exhausted.",
		}),
		UploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "upload", Name: "retries_total",
			Help: "Upload attempts beyond the first.",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "upload", Name: "bytes_total",
			Help: "Encoded bytes written to the remote store.",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "fetch", Name: "bytes_total",
			Help: "Encoded bytes fetched from the remote store.",
		}),
		BlocksSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "gc", Name: "blocks_swept_total",
			Help: "Zero-reference blocks removed by GC sweeps.",
		}),
		OrphansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs", Subsystem: "gc", Name: "orphans_removed_total",
			Help: "Remote objects with no catalog row removed by reconciliation.",
		}),
	}
	c.registry.MustRegister(
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheBytes,
		c.DedupHits,
		c.BlocksUploaded, c.BlocksFailed, c.UploadRetries,
		c.BytesUploaded, c.BytesFetched,
		c.BlocksSwept, c.OrphansRemoved,
	)
	return c
}

// Registry returns the mount's registry for exposition by the caller.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
