// ABOUTME: Offline data telemetry for release, stage and stage error operations
// ABOUTME: Also tracks how long readers wait on offline blocks, with a no-op fallback

package offline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

// Metrics records offline data activity.
type Metrics interface {
	telemetry.ComponentMetrics

	RecordOp(ctx context.Context, op string, blocks int, duration time.Duration, err error)
	RecordWait(ctx context.Context, duration time.Duration, outcome string)
}

type offlineMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics returns offline metrics recorded through tel, or no-op metrics
// when tel is nil.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &offlineMetrics{tel: tel}
}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func (m *offlineMetrics) RecordOp(ctx context.Context, op string, blocks int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentOffline),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	}
	m.tel.RecordHistogram(ctx, "scoutfs.offline.op.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "scoutfs.offline.op.blocks", int64(blocks), attrs...)
}

func (m *offlineMetrics) RecordWait(ctx context.Context, duration time.Duration, outcome string) {
	m.tel.RecordHistogram(ctx, "scoutfs.offline.wait.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentOffline),
		attribute.String(telemetry.AttrOutcome, outcome),
	)
}

func (m *offlineMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordOp(context.Context, string, int, time.Duration, error) {}
func (noopMetrics) RecordWait(context.Context, time.Duration, string)          {}
func (noopMetrics) Close() error                                               { return nil }
