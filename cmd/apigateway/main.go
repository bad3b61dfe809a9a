package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ratelimitmw "github.com/example/ridebid/internal/http/middleware"
	"github.com/example/ridebid/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("api-gateway")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	rideProxy, err := newProxy(getenv("RIDE_SERVICE_URL", "http://localhost:8080"), logger)
	if err != nil {
		logger.Fatal("ride service url", zap.Error(err))
	}
	etaProxy, err := newProxy(getenv("ETA_SERVICE_URL", "http://localhost:8081"), logger)
	if err != nil {
		logger.Fatal("eta service url", zap.Error(err))
	}

	redisClient := newRedisClient(ctx, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	var limiter *ratelimitmw.RateLimiter
	if redisClient != nil {
		limiter = ratelimitmw.NewRateLimiter(redisClient, ratelimitmw.RateConfig{
			Rate:  parseFloatEnv("RATE_READ_RPS", 50),
			Burst: parseFloatEnv("RATE_READ_BURST", 100),
		}, ratelimitmw.RateConfig{
			Rate:  parseFloatEnv("RATE_WRITE_RPS", 10),
			Burst: parseFloatEnv("RATE_WRITE_BURST", 20),
		})
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	checks := map[string]observability.Check{}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	r.Mount("/observability", observability.MetricsRouter(checks))
	// Websocket upgrades are long lived and skip the limiter.
	r.Handle("/ws", rideProxy)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Handle("/v1/eta", etaProxy)
		r.Handle("/v1/rides", rideProxy)
		r.Handle("/v1/rides/*", rideProxy)
		r.Handle("/v1/offers/*", rideProxy)
		r.Handle("/v1/drivers/*", rideProxy)
	})

	srv := &http.Server{Addr: getenv("HTTP_ADDR", ":8088"), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newProxy(target string, logger *zap.Logger) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream failed", zap.Error(err), zap.String("upstream", u.Host), zap.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}
	return proxy, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func newRedisClient(ctx context.Context, logger *zap.Logger) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
