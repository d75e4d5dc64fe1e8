package otel

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(Config{Service: "warden-test", Version: "dev"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_EnabledProducesValidSpans(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := Setup(Config{Enabled: true, Service: "warden-test", Version: "0.0.1", Output: &out})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	ctx, span := Tracer("github.com/dativo-io/warden/internal/otel/test").Start(context.Background(), "test.op")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())

	traceID, spanID := TraceContextFrom(ctx)
	assert.NotEmpty(t, traceID)
	assert.NotEmpty(t, spanID)
}

func TestLogTraceFields_NoSpanAddsNothing(t *testing.T) {
	var buf testBuffer
	logger := zerolog.New(&buf)
	logger.Info().Func(LogTraceFields(context.Background())).Msg("hello")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestMiddleware_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

type testBuffer struct{ b []byte }

func (t *testBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *testBuffer) String() string { return string(t.b) }
