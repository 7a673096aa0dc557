/*
Package metrics provides Prometheus metrics collection for mediacache.

Collector owns a private registry and implements types.MetricsCollector, so the store, the
handle pool, the thumbnail cache and the scheduler report through one narrow interface. The
HTTP API mounts Collector.Handler at /metrics.

	┌─────────────┐
	│  Collector  │  ← implements types.MetricsCollector
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼─────┐
	│  Prometheus  │         │  GET /metrics  │
	│   Registry   │         └────────────────┘
	└──────────────┘

Exported series (namespace "mediacache" by default):

	operations_total{operation,status}
	operation_duration_seconds{operation}
	operation_size_bytes{operation}
	cache_requests_total{result,layer}
	cache_evictions_total{layer}
	handle_events_total{event}
	handles_live
	scheduler_queue_depth
	scheduler_tasks_total{outcome}
	errors_total{operation,code}

A nil *Collector is valid: every method is a no-op. NewCollector returns nil when metrics
are disabled, which lets callers pass the result straight through.

	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "mediacache"})
	if err != nil {
		return err
	}
	collector.RecordOperation("store.put", time.Since(start), int64(len(data)), err == nil)
*/
package metrics
