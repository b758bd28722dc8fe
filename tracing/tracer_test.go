package tracing_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/pilab-dev/shadow-link/tracing"
)

func TestInitTracerProvider_ExportsSpans(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	tp, err := tracing.InitTracerProvider(ctx, tracing.Options{ServiceName: "link-test", Enabled: true, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "refresh.cycle")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	tracing.Shutdown(ctx, tp)

	assert.Contains(t, buf.String(), "refresh.cycle")
	assert.Contains(t, buf.String(), "link-test")
}
