package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "peerlink", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabledIsNoop(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpersWithoutProvider(t *testing.T) {
	// No provider installed: every helper must still be safe to call.
	ctx := context.Background()

	ctx, span := StartSpan(ctx, "handshake")
	require.NotNil(t, span)
	AddSpanAttributes(ctx, attribute.String("k", "v"))
	RecordError(ctx, errors.New("ice failed"))
	MeasureDuration(ctx, time.Now().Add(-time.Millisecond), "handshake")
	span.End()
}

func TestDomainSpanConstructors(t *testing.T) {
	ctx := context.Background()

	_, span := TraceHTTPRequest(ctx, "GET", "/api/v1/connections")
	require.NotNil(t, span)
	span.End()

	_, span = TraceSignalMessage(ctx, "connection-request", "dev-a")
	require.NotNil(t, span)
	span.End()

	_, span = TraceTransportOperation(ctx, "create_offer", "dev-a", "conn-1")
	require.NotNil(t, span)
	span.End()
}
