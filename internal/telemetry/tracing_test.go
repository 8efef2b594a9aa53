package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Setup mutates process-wide otel state, so these tests run sequentially.

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := Tracer("test").Start(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, TraceID(ctx))
}

func TestSetupRecordsAndPropagates(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	shutdown, err := Setup(context.Background(), Config{Enabled: true, ServiceName: "harvest-test", SampleRatio: 1},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		_, _ = Setup(context.Background(), Config{})
	})

	ctx, span := Tracer("worker").Start(context.Background(), "worker.chunk")
	traceID := TraceID(ctx)
	require.NotEmpty(t, traceID)

	attrs := map[string]string{}
	Inject(ctx, attrs)
	assert.Contains(t, attrs["traceparent"], traceID)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "worker.chunk", ended[0].Name())
	assert.Equal(t, "github.com/JakeFAU/listing-harvester/worker", ended[0].InstrumentationScope().Name)
}

func TestSetupZeroRatioSamplesNothing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	shutdown, err := Setup(context.Background(), Config{Enabled: true, SampleRatio: 0},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		_, _ = Setup(context.Background(), Config{})
	})

	_, span := Tracer("worker").Start(context.Background(), "worker.chunk")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	assert.Empty(t, recorder.Ended())
}
