// ABOUTME: Engine-level telemetry for transaction lifetimes, commits and snapshot reads
// ABOUTME: Records generation commit cost and stale read retries with a no-op fallback

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	telemetry.ComponentMetrics

	// RecordEngineOperation records an item operation made through the engine
	RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, err error)

	// RecordCommit records a committed generation and the blocks it wrote
	RecordCommit(ctx context.Context, seq uint64, blocks int, duration time.Duration, err error)
	// RecordAbort records an aborted transaction and why
	RecordAbort(ctx context.Context, reason string)
	// RecordDirtyBlocks records the dirty block count of a transaction at commit
	RecordDirtyBlocks(ctx context.Context, n int)

	// RecordStaleRetry records a snapshot read that raced with block reuse
	RecordStaleRetry(ctx context.Context, recovered bool)
	// RecordMount records how long opening the filesystem took
	RecordMount(ctx context.Context, duration time.Duration, err error)
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return NewNoopEngineMetrics()
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

// recoverTelemetry swallows exporter panics.
func recoverTelemetry() {
	_ = recover()
}

func (m *engineMetrics) attrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	}, extra...)
}

// RecordEngineOperation records an item operation made through the engine
func (m *engineMetrics) RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	defer recoverTelemetry()

	attrs := m.attrs(
		attribute.String(telemetry.AttrOperationType, operation),
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	)
	m.tel.RecordHistogram(ctx, "scoutfs.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "scoutfs.engine.operation.total", 1, attrs...)
}

// RecordCommit records a committed generation
func (m *engineMetrics) RecordCommit(ctx context.Context, seq uint64, blocks int, duration time.Duration, err error) {
	defer recoverTelemetry()

	attrs := m.attrs(
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeCommit),
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	)
	m.tel.RecordHistogram(ctx, "scoutfs.engine.commit.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "scoutfs.engine.commit.total", 1, attrs...)
	if err == nil {
		m.tel.RecordCounter(ctx, "scoutfs.engine.commit.blocks", int64(blocks), attrs...)
	}
}

// RecordAbort records an aborted transaction
func (m *engineMetrics) RecordAbort(ctx context.Context, reason string) {
	defer recoverTelemetry()

	m.tel.RecordCounter(ctx, "scoutfs.engine.abort.total", 1, m.attrs(
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeAbort),
		attribute.String(telemetry.AttrReason, reason),
	)...)
}

// RecordDirtyBlocks records the dirty block count at commit
func (m *engineMetrics) RecordDirtyBlocks(ctx context.Context, n int) {
	defer recoverTelemetry()

	m.tel.RecordHistogram(ctx, "scoutfs.engine.dirty.blocks", float64(n), m.attrs()...)
}

// RecordStaleRetry records a snapshot read retried after a stale block
func (m *engineMetrics) RecordStaleRetry(ctx context.Context, recovered bool) {
	defer recoverTelemetry()

	outcome := "recovered"
	if !recovered {
		outcome = "failed"
	}
	m.tel.RecordCounter(ctx, "scoutfs.engine.stale.retry.total", 1, m.attrs(
		attribute.String(telemetry.AttrOutcome, outcome),
	)...)
}

// RecordMount records mount duration
func (m *engineMetrics) RecordMount(ctx context.Context, duration time.Duration, err error) {
	defer recoverTelemetry()

	m.tel.RecordHistogram(ctx, "scoutfs.engine.mount.duration", duration.Seconds(), m.attrs(
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	)...)
}

// Close releases any resources
func (m *engineMetrics) Close() error {
	return nil
}

// noopEngineMetrics provides a no-op implementation
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordEngineOperation(context.Context, string, time.Duration, error) {}
func (n *noopEngineMetrics) RecordCommit(context.Context, uint64, int, time.Duration, error)    {}
func (n *noopEngineMetrics) RecordAbort(context.Context, string)                               {}
func (n *noopEngineMetrics) RecordDirtyBlocks(context.Context, int)                            {}
func (n *noopEngineMetrics) RecordStaleRetry(context.Context, bool)                            {}
func (n *noopEngineMetrics) RecordMount(context.Context, time.Duration, error)                 {}
func (n *noopEngineMetrics) Close() error                                                      { return nil }
