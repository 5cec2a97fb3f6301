package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose key starts with prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackDirtyBlocks records the dirty block count of the open transaction
	TrackDirtyBlocks(n uint64)

	// TrackCommit records a committed generation
	TrackCommit(seq uint64, blocks uint64)

	// StartMount marks the beginning of a mount
	StartMount() time.Time

	// FinishMount records which superblock slot and generation a mount chose
	FinishMount(start time.Time, slot int, seq uint64)
}

var _ Collector = (*AtomicCollector)(nil)
