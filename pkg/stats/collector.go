package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

const (
	OpLookup   OperationType = "lookup"
	OpNext     OperationType = "next"
	OpInsert   OperationType = "insert"
	OpDelete   OperationType = "delete"
	OpTxBegin  OperationType = "tx_begin"
	OpTxCommit OperationType = "tx_commit"
	OpTxAbort  OperationType = "tx_abort"
	OpAlloc    OperationType = "alloc"
	OpFree     OperationType = "free"
	OpSplit    OperationType = "split"
	OpMerge    OperationType = "merge"
	OpCompact  OperationType = "compact"
	OpStage    OperationType = "stage"
	OpRelease  OperationType = "release"
	OpStageErr OperationType = "stage_err"
)

// AtomicCollector gathers statistics with atomic counters. The maps are only
// locked when a new key is first seen.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	dirtyBlocks       atomic.Uint64
	commitSeq         atomic.Uint64
	committedBlocks   atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	mount MountStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// MountStats describes the most recent mount
type MountStats struct {
	Slot     atomic.Int64
	Seq      atomic.Uint64
	Duration atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	c := &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
	c.mount.Slot.Store(-1)
	return c
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackDirtyBlocks records the dirty block count of the open transaction
func (c *AtomicCollector) TrackDirtyBlocks(n uint64) {
	c.dirtyBlocks.Store(n)
}

// TrackCommit records a committed generation
func (c *AtomicCollector) TrackCommit(seq uint64, blocks uint64) {
	c.commitSeq.Store(seq)
	c.committedBlocks.Add(blocks)
	c.dirtyBlocks.Store(0)
}

// StartMount resets mount statistics and returns the start time
func (c *AtomicCollector) StartMount() time.Time {
	c.mount.Slot.Store(-1)
	c.mount.Seq.Store(0)
	c.mount.Duration.Store(0)
	return time.Now()
}

// FinishMount records the chosen superblock
func (c *AtomicCollector) FinishMount(start time.Time, slot int, seq uint64) {
	c.mount.Slot.Store(int64(slot))
	c.mount.Seq.Store(seq)
	c.mount.Duration.Store(time.Since(start).Nanoseconds())
	c.commitSeq.Store(seq)
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["dirty_blocks"] = c.dirtyBlocks.Load()
	stats["commit_seq"] = c.commitSeq.Load()
	stats["committed_blocks"] = c.committedBlocks.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64, len(c.errors))
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	mount := map[string]interface{}{
		"slot": c.mount.Slot.Load(),
		"seq":  c.mount.Seq.Load(),
	}
	if d := c.mount.Duration.Load(); d > 0 {
		mount["duration_us"] = d / int64(time.Microsecond)
	}
	stats["mount"] = mount

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}
		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
			"min_ns": tracker.min.Load(),
			"max_ns": tracker.max.Load(),
		}
		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics whose key starts with prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
