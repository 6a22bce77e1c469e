package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProvider_NoneIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := NewProvider(ctx, Config{})

	require.NoError(t, err)
	require.False(t, p.Enabled())
	_, span := p.Tracer("test").Start(ctx, "op")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(ctx))
}

func TestNewProvider_StdoutExportsOnShutdown(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := context.Background()
	var buf bytes.Buffer
	p, err := NewProvider(ctx, Config{Exporter: ExporterStdout, Writer: &buf, ServiceName: "test-svc"})
	require.NoError(t, err)

	// --- Act ---
	_, span := p.Tracer("test").Start(ctx, "kernel.load_module")
	span.End()
	require.NoError(t, p.Shutdown(ctx))

	// --- Assert ---
	require.True(t, p.Enabled())
	require.Contains(t, buf.String(), "kernel.load_module")
	require.Contains(t, buf.String(), "test-svc")
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(context.Background(), Config{Exporter: "jaeger"})

	require.ErrorContains(t, err, `unsupported trace exporter "jaeger"`)
}
