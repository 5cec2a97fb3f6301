// ABOUTME: Block store telemetry for device reads, writes, syncs, retries and verification outcomes
// ABOUTME: Follows the component metrics pattern with a no-op fallback when telemetry is disabled

package block

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

// Metrics records block store activity.
type Metrics interface {
	telemetry.ComponentMetrics

	RecordRead(ctx context.Context, duration time.Duration, outcome Outcome)
	RecordWrite(ctx context.Context, duration time.Duration, bytes int64)
	RecordSync(ctx context.Context, duration time.Duration, err error)
	RecordRetry(ctx context.Context, op string)
}

type blockMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics returns block metrics recorded through tel, or no-op metrics
// when tel is nil.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &blockMetrics{tel: tel}
}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func (m *blockMetrics) RecordRead(ctx context.Context, duration time.Duration, outcome Outcome) {
	m.tel.RecordHistogram(ctx, "scoutfs.block.read.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlock),
		attribute.String(telemetry.AttrOutcome, outcome.String()),
	)
	m.tel.RecordCounter(ctx, "scoutfs.block.read.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlock),
		attribute.String(telemetry.AttrOutcome, outcome.String()),
	)
}

func (m *blockMetrics) RecordWrite(ctx context.Context, duration time.Duration, bytes int64) {
	m.tel.RecordHistogram(ctx, "scoutfs.block.write.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlock),
	)
	m.tel.RecordCounter(ctx, "scoutfs.block.write.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlock),
	)
}

func (m *blockMetrics) RecordSync(ctx context.Context, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "scoutfs.block.sync.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlock),
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	)
}

func (m *blockMetrics) RecordRetry(ctx context.Context, op string) {
	m.tel.RecordCounter(ctx, "scoutfs.block.retry.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlock),
		attribute.String(telemetry.AttrOperationType, op),
	)
}

func (m *blockMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordRead(context.Context, time.Duration, Outcome) {}
func (noopMetrics) RecordWrite(context.Context, time.Duration, int64)  {}
func (noopMetrics) RecordSync(context.Context, time.Duration, error)   {}
func (noopMetrics) RecordRetry(context.Context, string)                {}
func (noopMetrics) Close() error                                        { return nil }
