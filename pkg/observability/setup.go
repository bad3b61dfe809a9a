package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SetupLogger builds the service logger from LOG_LEVEL (default info) and
// LOG_FORMAT ("console" for development output, JSON otherwise). It falls
// back to a no-op logger when construction fails.
func SetupLogger(service string) *zap.Logger {
	logger, err := NewLogger(service, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewLogger returns a zap logger tagged with service and the build version.
func NewLogger(service, level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service), zap.String("version", Version())), nil
}

// Version reports the main module version stamped by the Go toolchain.
func Version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

// SetupTracer installs the global tracer provider and W3C propagator.
// TRACE_EXPORTER=none keeps spans in-process only; anything else prints
// them to stdout. TRACE_SAMPLE_RATIO, when set, samples that share of root
// spans.
func SetupTracer(ctx context.Context, service string) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion(Version()),
		)),
	}
	if raw := os.Getenv("TRACE_SAMPLE_RATIO"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse TRACE_SAMPLE_RATIO: %w", err)
		}
		opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))))
	}
	if os.Getenv("TRACE_EXPORTER") != "none" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// CheckTimeout bounds every readiness check.
const CheckTimeout = 2 * time.Second

// MetricsRouter exposes Prometheus metrics, liveness on /healthz and
// readiness on /readyz. Readiness runs every check concurrently and answers
// 503 with the failing names when any of them errors.
func MetricsRouter(checks map[string]Check) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), CheckTimeout)
		defer cancel()
		results := runChecks(ctx, checks)
		status := http.StatusOK
		for _, result := range results {
			if result != "ok" {
				status = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(results)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func runChecks(ctx context.Context, checks map[string]Check) map[string]string {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			result := "ok"
			if err := check(ctx); err != nil {
				result = err.Error()
				if errors.Is(err, context.DeadlineExceeded) {
					result = "timeout"
				}
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return results
}
