package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridebid/internal/auth"
	etasvc "github.com/example/ridebid/internal/eta/service"
	"github.com/example/ridebid/internal/fare"
	"github.com/example/ridebid/internal/location"
	outboxworker "github.com/example/ridebid/internal/outbox"
	"github.com/example/ridebid/internal/realtime"
	"github.com/example/ridebid/internal/ride/domain"
	"github.com/example/ridebid/internal/ride/handler"
	"github.com/example/ridebid/internal/ride/locking"
	"github.com/example/ridebid/internal/ride/negotiation"
	"github.com/example/ridebid/internal/ride/repository"
	rideservice "github.com/example/ridebid/internal/ride/service"
	"github.com/example/ridebid/pkg/observability"
)

type appConfig struct {
	HTTPAddr       string
	PostgresDSN    string
	Migrate        bool
	RedisAddr      string
	NATSURL        string
	JWTSecret      string
	AIServiceURL   string
	AITimeout      time.Duration
	FareBase       float64
	FarePerKM      float64
	ReofferPolicy  negotiation.ReofferPolicy
	LockTTL        time.Duration
	LockWait       time.Duration
	IdempotencyTTL time.Duration
	OutboxPoll     time.Duration
	OutboxBatch    int
	OutboxRetry    int
	OutboxMaxTries int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("ride-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "ride-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, using development secret")
		cfg.JWTSecret = "dev-secret"
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if cfg.Migrate {
			if err := repository.Migrate(ctx, db); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("rideservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	hub := realtime.NewHub(logger)
	broadcaster := buildBroadcaster(hub, natsConn, logger)

	var (
		store    domain.RideStore
		notifier domain.NotificationGateway
		users    domain.UserDirectory
	)
	if db != nil {
		store = repository.NewPostgresRepository(db)
		notifier = repository.NewPostgresNotifier(db)
		users = repository.NewPostgresUserDirectory(db)
		if natsConn == nil {
			logger.Warn("notifications are persisted but not pushed without NATS")
		}
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory ride store")
		store = repository.NewMemoryRepository()
		notifier = repository.NewMemoryNotifier(broadcaster)
		users = repository.NewMemoryUserDirectory()
	}

	var (
		locker      domain.RideLocker = locking.NewKeyedMutex()
		idem        domain.IdempotencyRepository
		driverStore location.Store
	)
	if redisClient != nil {
		locker = locking.NewRedisLocker(redisClient, locking.RedisLockerConfig{TTL: cfg.LockTTL, Wait: cfg.LockWait})
		idem = repository.NewRedisIdempotencyRepo(redisClient, cfg.IdempotencyTTL)
		driverStore = location.NewRedisStore(redisClient, "", "")
	} else {
		idem = repository.NewMemoryIdempotencyRepo()
		driverStore = location.NewMemoryStore()
	}
	tracker := location.NewTracker(driverStore, broadcaster, domain.SystemClock{}, logger)

	var advisor domain.FareAdvisor
	if cfg.AIServiceURL != "" {
		advisor = fare.NewHTTPAdvisor(&http.Client{Timeout: cfg.AITimeout}, cfg.AIServiceURL)
	}
	fares := fare.NewSuggester(advisor, fare.Fallback{BaseFare: cfg.FareBase, PerKM: cfg.FarePerKM}, cfg.AITimeout, logger)

	svc := rideservice.New(rideservice.Deps{
		Store:       store,
		Locker:      locker,
		Broadcaster: broadcaster,
		Notifier:    notifier,
		Fares:       fares,
		Users:       users,
		Drivers:     tracker,
		Locations:   tracker,
		Idempotency: idem,
		Logger:      logger,
		NegotiationOptions: []negotiation.Option{
			negotiation.WithReofferPolicy(cfg.ReofferPolicy),
			negotiation.WithETAEstimator(etasvc.New(tracker)),
		},
	})
	ws := realtime.NewServer(hub, auth.Authenticator(cfg.JWTSecret), svc, logger)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(readiness(db, redisClient, natsConn)))
	r.Mount("/", handler.NewHTTP(svc, logger).Router(cfg.JWTSecret, ws))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
			MaxAttempts:  cfg.OutboxMaxTries,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("ride service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildBroadcaster relays hub operations over NATS when available so every
// instance reaches its own sockets; otherwise the local hub is used directly.
func buildBroadcaster(hub *realtime.Hub, conn *nats.Conn, logger *zap.Logger) domain.Broadcaster {
	if conn == nil {
		return hub
	}
	relay := realtime.NewRelay(conn, hub, logger)
	if err := relay.Start(); err != nil {
		logger.Warn("realtime relay disabled", zap.Error(err))
		return hub
	}
	return relay
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:    firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		Migrate:        os.Getenv("MIGRATE") == "true",
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AIServiceURL:   os.Getenv("AI_SERVICE_URL"),
		AITimeout:      time.Duration(parseIntEnv("AI_TIMEOUT_MS", 2000)) * time.Millisecond,
		FareBase:       parseFloatEnv("FARE_BASE", fare.DefaultFallback.BaseFare),
		FarePerKM:      parseFloatEnv("FARE_PER_KM", fare.DefaultFallback.PerKM),
		ReofferPolicy:  negotiation.ParseReofferPolicy(os.Getenv("OFFER_REOFFER_POLICY")),
		LockTTL:        time.Duration(parseIntEnv("RIDE_LOCK_TTL_MS", 5000)) * time.Millisecond,
		LockWait:       time.Duration(parseIntEnv("RIDE_LOCK_WAIT_MS", 2000)) * time.Millisecond,
		IdempotencyTTL: time.Duration(parseIntEnv("IDEMPOTENCY_TTL_SEC", 86400)) * time.Second,
		OutboxPoll:     time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:    parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:    parseIntEnv("OUTBOX_RETRY_MAX", 3),
		OutboxMaxTries: parseIntEnv("OUTBOX_PARK_AFTER", 10),
	}
}

// readiness checks only the backends this instance was configured with.
func readiness(db *sql.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]observability.Check {
	checks := map[string]observability.Check{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	if natsConn != nil {
		checks["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats " + natsConn.Status().String())
			}
			return nil
		}
	}
	return checks
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
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
