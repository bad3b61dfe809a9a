package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/ridebid/internal/eta/handler"
	etasvc "github.com/example/ridebid/internal/eta/service"
	"github.com/example/ridebid/internal/location"
	"github.com/example/ridebid/internal/realtime"
	"github.com/example/ridebid/internal/ride/domain"
	"github.com/example/ridebid/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("location-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "location-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	checks := map[string]observability.Check{}
	var store location.Store = location.NewMemoryStore()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer client.Close()
		store = location.NewRedisStore(client, "", "")
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_ADDR not set, driver positions are kept in memory")
	}

	// Location pushes reach ride service sockets through the NATS relay.
	var broadcaster domain.Broadcaster
	if url := os.Getenv("NATS_URL"); url != "" {
		conn, err := nats.Connect(url, nats.Name("locationservice"))
		if err != nil {
			logger.Warn("nats connection failed", zap.Error(err))
		} else {
			defer conn.Drain()
			broadcaster = realtime.NewRelay(conn, realtime.NewHub(logger), logger)
		}
	}

	tracker := location.NewTracker(store, broadcaster, domain.SystemClock{}, logger)
	etaSvc := etasvc.New(tracker)

	restSrv := runREST(logger, getenv("HTTP_ADDR", ":8081"), etaSvc, checks)
	grpcSrv := runGRPC(logger, getenv("GRPC_ADDR", ":9090"), tracker)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = restSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
}

func runREST(logger *zap.Logger, addr string, etaSvc *etasvc.Service, checks map[string]observability.Check) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	handler.New(etaSvc, logger).Routes(r)
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("eta REST listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("eta rest server", zap.Error(err))
		}
	}()
	return srv
}

func runGRPC(logger *zap.Logger, addr string, tracker *location.Tracker) *grpc.Server {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}

	srv := grpc.NewServer()
	location.RegisterLocationServer(srv, location.NewServer(tracker, logger))
	go func() {
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil {
			logger.Fatal("grpc serve", zap.Error(err))
		}
	}()
	return srv
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
