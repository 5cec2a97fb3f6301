// ABOUTME: B+tree telemetry for item operations and block splits and merges
// ABOUTME: Follows the component metrics pattern with a no-op fallback when telemetry is disabled

package btree

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

// Metrics records tree activity.
type Metrics interface {
	telemetry.ComponentMetrics

	RecordOp(ctx context.Context, op string, height int, duration time.Duration, err error)
	RecordRebalance(ctx context.Context, kind string)
}

type treeMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics returns tree metrics recorded through tel, or no-op metrics
// when tel is nil.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &treeMetrics{tel: tel}
}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func (m *treeMetrics) RecordOp(ctx context.Context, op string, height int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBTree),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.Int(telemetry.AttrHeight, height),
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	}
	m.tel.RecordHistogram(ctx, "scoutfs.btree.op.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "scoutfs.btree.op.total", 1, attrs...)
}

func (m *treeMetrics) RecordRebalance(ctx context.Context, kind string) {
	m.tel.RecordCounter(ctx, "scoutfs.btree.rebalance.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBTree),
		attribute.String(telemetry.AttrReason, kind),
	)
}

func (m *treeMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordOp(context.Context, string, int, time.Duration, error) {}
func (noopMetrics) RecordRebalance(context.Context, string)                     {}
func (noopMetrics) Close() error                                                { return nil }
