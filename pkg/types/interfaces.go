package types

import (
	"context"
	"time"
)

// Source enumerates directories and reads file contents. Implementations
// must be safe for concurrent use.
type Source interface {
	// ListDirectory returns the subdirectories and media files directly
	// inside dir. dir is slash-separated and relative to the source root.
	ListDirectory(ctx context.Context, dir string) (*Listing, error)

	// ReadFileBytes returns the full contents of a file entry.
	ReadFileBytes(ctx context.Context, entry Entry) ([]byte, error)
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(layer string, size int64)
	RecordCacheMiss(layer string)
	RecordEviction(layer string, count int)
	RecordHandleEvent(event string)
	SetLiveHandles(n int)
	SetQueueDepth(n int)
	RecordTask(outcome string)
	RecordError(operation string, err error)
}

// NopMetrics discards everything. Components use it when no collector is configured.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordCacheHit(string, int64)                      {}
func (NopMetrics) RecordCacheMiss(string)                            {}
func (NopMetrics) RecordEviction(string, int)                        {}
func (NopMetrics) RecordHandleEvent(string)                          {}
func (NopMetrics) SetLiveHandles(int)                                {}
func (NopMetrics) SetQueueDepth(int)                                 {}
func (NopMetrics) RecordTask(string)                                 {}
func (NopMetrics) RecordError(string, error)                         {}

// OrNop returns m, or NopMetrics when m is nil.
func OrNop(m MetricsCollector) MetricsCollector {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
