// ABOUTME: Tests for the core telemetry interface and no-op implementation
// ABOUTME: Validates recording helpers, span creation, and lifecycle using real telemetry operations

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("key", "value"))
	tel.RecordCounter(ctx, "test.counter", 10, attribute.String("key", "value"))

	spanCtx, span := tel.StartSpan(ctx, "test.span", attribute.String("test", "value"))
	require.NotNil(t, spanCtx)
	require.NotNil(t, span)
	span.End()

	assert.NoError(t, tel.Shutdown(ctx))
}

func TestRecordHelpers(t *testing.T) {
	p, err := NewProvider(manualConfig())
	require.NoError(t, err)
	ctx := context.Background()

	RecordDuration(ctx, p, "scoutfs.test.duration", time.Now().Add(-time.Millisecond))
	RecordBytes(ctx, p, "scoutfs.test.bytes", 4096)

	rm, err := p.Collect(ctx)
	require.NoError(t, err)
	names := MetricNames(rm)
	assert.Contains(t, names, "scoutfs.test.duration")
	assert.Contains(t, names, "scoutfs.test.bytes")
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, Status(nil))
	assert.Equal(t, StatusError, Status(errors.New("boom")))
}
