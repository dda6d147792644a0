// Package observability collects atomic counters for the buffer cache and
// page allocator, adapted from the root MetricsCollector's field-per-counter
// layout but renamed to the two kernel subsystems this module implements.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector gathers buffer-cache and page-allocator counters.
type MetricsCollector struct {
	// Buffer cache
	bufHits       int64
	bufMisses     int64
	bufEvictions  int64
	bufRehomes    int64 // victim moved to a different bucket on eviction
	bufStalls     int64 // bread had to do actual disk I/O

	// Page allocator
	pageAllocs      int64
	pageFrees       int64
	pageSteals      int64
	pageExhaustions int64

	mu            sync.RWMutex
	lastCollected time.Time
}

// NewMetricsCollector returns a ready-to-use collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{lastCollected: time.Now()}
}

func (mc *MetricsCollector) RecordBufferHit()      { atomic.AddInt64(&mc.bufHits, 1) }
func (mc *MetricsCollector) RecordBufferMiss()      { atomic.AddInt64(&mc.bufMisses, 1) }
func (mc *MetricsCollector) RecordBufferEviction()  { atomic.AddInt64(&mc.bufEvictions, 1) }
func (mc *MetricsCollector) RecordBufferRehome()    { atomic.AddInt64(&mc.bufRehomes, 1) }
func (mc *MetricsCollector) RecordBufferDiskRead()  { atomic.AddInt64(&mc.bufStalls, 1) }

func (mc *MetricsCollector) RecordPageAlloc()      { atomic.AddInt64(&mc.pageAllocs, 1) }
func (mc *MetricsCollector) RecordPageFree()       { atomic.AddInt64(&mc.pageFrees, 1) }
func (mc *MetricsCollector) RecordPageSteal()      { atomic.AddInt64(&mc.pageSteals, 1) }
func (mc *MetricsCollector) RecordPageExhaustion() { atomic.AddInt64(&mc.pageExhaustions, 1) }

// Snapshot is a point-in-time, race-free read of every counter.
type Snapshot struct {
	BufHits, BufMisses, BufEvictions, BufRehomes, BufDiskReads int64
	PageAllocs, PageFrees, PageSteals, PageExhaustions         int64
	CollectedAt                                                time.Time
}

// Collect returns the current counter values and records the collection
// time, mirroring the root MetricsCollector's lastCollected bookkeeping.
func (mc *MetricsCollector) Collect() Snapshot {
	mc.mu.Lock()
	mc.lastCollected = time.Now()
	at := mc.lastCollected
	mc.mu.Unlock()

	return Snapshot{
		BufHits:          atomic.LoadInt64(&mc.bufHits),
		BufMisses:        atomic.LoadInt64(&mc.bufMisses),
		BufEvictions:     atomic.LoadInt64(&mc.bufEvictions),
		BufRehomes:       atomic.LoadInt64(&mc.bufRehomes),
		BufDiskReads:     atomic.LoadInt64(&mc.bufStalls),
		PageAllocs:       atomic.LoadInt64(&mc.pageAllocs),
		PageFrees:        atomic.LoadInt64(&mc.pageFrees),
		PageSteals:       atomic.LoadInt64(&mc.pageSteals),
		PageExhaustions:  atomic.LoadInt64(&mc.pageExhaustions),
		CollectedAt:      at,
	}
}

// HitRatio returns the buffer cache hit ratio in [0,1], or 0 if no lookups
// have happened yet.
func (s Snapshot) HitRatio() float64 {
	total := s.BufHits + s.BufMisses
	if total == 0 {
		return 0
	}
	return float64(s.BufHits) / float64(total)
}
