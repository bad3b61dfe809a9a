package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestReadinessReportsFailingChecks(t *testing.T) {
	r := MetricsRouter(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: connection refused") },
		"nats":     func(ctx context.Context) error { return context.DeadlineExceeded },
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var results map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Equal(t, map[string]string{
		"postgres": "ok",
		"redis":    "dial tcp: connection refused",
		"nats":     "timeout",
	}, results)
}

func TestReadinessWithoutChecksIsReady(t *testing.T) {
	r := MetricsRouter(nil)
	for _, path := range []string{"/readyz", "/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("ride-service", "warn", "")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger("ride-service", "loud", "")
	require.Error(t, err)
}

func TestSetupTracerWithoutExporter(t *testing.T) {
	t.Setenv("TRACE_EXPORTER", "none")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.5")
	shutdown, err := SetupTracer(context.Background(), "ride-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	t.Setenv("TRACE_SAMPLE_RATIO", "half")
	_, err = SetupTracer(context.Background(), "ride-service")
	require.Error(t, err)
}
