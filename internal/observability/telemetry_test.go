package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerWithTraceWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerWithTrace(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "trace_id")
}

func TestLoggerWithTraceAttachesIDs(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := LoggerWithTrace(ctx, zerolog.New(&buf))
	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])
}

func TestAdminHandlerHealth(t *testing.T) {
	healthy := httptest.NewRecorder()
	AdminHandler(nil).ServeHTTP(healthy, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, healthy.Code)

	failing := httptest.NewRecorder()
	AdminHandler(func(context.Context) error { return errors.New("postgres down") }).
		ServeHTTP(failing, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, failing.Code)
	assert.Contains(t, failing.Body.String(), "postgres down")

	metrics := httptest.NewRecorder()
	AdminHandler(nil).ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, metrics.Code)
}
