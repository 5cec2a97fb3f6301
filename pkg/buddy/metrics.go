// ABOUTME: Buddy allocator telemetry for allocations and frees by order
// ABOUTME: Follows the component metrics pattern with a no-op fallback when telemetry is disabled

package buddy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

// Metrics records allocator activity.
type Metrics interface {
	telemetry.ComponentMetrics

	RecordAlloc(ctx context.Context, order int, duration time.Duration, err error)
	RecordFree(ctx context.Context, order int, duration time.Duration, err error)
}

type buddyMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics returns allocator metrics recorded through tel, or no-op
// metrics when tel is nil.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &buddyMetrics{tel: tel}
}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func (m *buddyMetrics) record(ctx context.Context, op string, order int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBuddy),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.Int(telemetry.AttrOrder, order),
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	}
	m.tel.RecordHistogram(ctx, "scoutfs.buddy."+op+".duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "scoutfs.buddy."+op+".total", 1, attrs...)
	if err == nil {
		m.tel.RecordCounter(ctx, "scoutfs.buddy."+op+".blocks", int64(1)<<order, attrs[:3]...)
	}
}

func (m *buddyMetrics) RecordAlloc(ctx context.Context, order int, duration time.Duration, err error) {
	m.record(ctx, telemetry.OpTypeAlloc, order, duration, err)
}

func (m *buddyMetrics) RecordFree(ctx context.Context, order int, duration time.Duration, err error) {
	m.record(ctx, telemetry.OpTypeFree, order, duration, err)
}

func (m *buddyMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordAlloc(context.Context, int, time.Duration, error) {}
func (noopMetrics) RecordFree(context.Context, int, time.Duration, error)  {}
func (noopMetrics) Close() error                                           { return nil }
