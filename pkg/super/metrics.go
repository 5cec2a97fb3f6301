// ABOUTME: Superblock telemetry for mount slot selection and commit latency
// ABOUTME: Follows the component metrics pattern with a no-op fallback when telemetry is disabled

package super

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

// Metrics records superblock activity.
type Metrics interface {
	telemetry.ComponentMetrics

	RecordMount(ctx context.Context, slot int, duration time.Duration)
	RecordCommit(ctx context.Context, slot int, duration time.Duration, err error)
}

type superMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics returns superblock metrics recorded through tel, or no-op
// metrics when tel is nil.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &superMetrics{tel: tel}
}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func (m *superMetrics) RecordMount(ctx context.Context, slot int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSuper),
		attribute.Int(telemetry.AttrSlot, slot),
	}
	m.tel.RecordHistogram(ctx, "scoutfs.super.mount.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "scoutfs.super.mount.total", 1, attrs...)
}

func (m *superMetrics) RecordCommit(ctx context.Context, slot int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSuper),
		attribute.Int(telemetry.AttrSlot, slot),
		attribute.String(telemetry.AttrStatus, telemetry.Status(err)),
	}
	m.tel.RecordHistogram(ctx, "scoutfs.super.commit.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "scoutfs.super.commit.total", 1, attrs...)
}

func (m *superMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordMount(context.Context, int, time.Duration)          {}
func (noopMetrics) RecordCommit(context.Context, int, time.Duration, error) {}
func (noopMetrics) Close() error                                            { return nil }
