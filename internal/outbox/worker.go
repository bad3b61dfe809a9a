package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/repository"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_outbox_deliveries_total",
		Help: "Outbox rows handled by the dispatcher, grouped by result.",
	}, []string{"result"})
	oldestPendingSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notification_outbox_lag_seconds",
		Help: "Age of the oldest notification delivered in the last batch.",
	})
)

const (
	resultPublished = "published"
	resultDeferred  = "deferred"
	resultParked    = "parked"
)

// UserHeader carries the recipient on every relayed notification.
const UserHeader = "Ride-User-Id"

// WorkerConfig defines tunables for the dispatcher.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// RetryMax bounds publish attempts for one row within one batch.
	RetryMax int
	// MaxAttempts is the number of failed batches after which a row is parked.
	MaxAttempts int
	// Backoff is the base delay between in-batch retries; it grows quadratically.
	Backoff time.Duration
}

// BatchStats summarises one DispatchOnce call.
type BatchStats struct {
	Published int
	Deferred  int
	Parked    int
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays notification rows written by repository.PostgresNotifier
// from the outbox table to notifications.{user_id} on NATS. A row that keeps
// failing is deferred to the next batch and parked once it has failed
// MaxAttempts times, so one bad row never blocks the rest.
type Worker struct {
	db        *sql.DB
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a dispatcher. A nil conn makes Run fail fast.
func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	var publisher natsPublisher
	if conn != nil {
		publisher = conn
	}
	return newWorker(db, publisher, logger, cfg)
}

func newWorker(db *sql.DB, publisher natsPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:        db,
		publisher: publisher,
		logger:    logger.Named("outbox"),
		cfg:       cfg,
		tracer:    otel.Tracer("ride.outbox.worker"),
	}
}

// Run dispatches batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		stats, err := w.DispatchOnce(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			w.logger.Error("outbox batch failed", zap.Error(err))
		case stats.Deferred > 0 || stats.Parked > 0:
			w.logger.Warn("outbox batch incomplete",
				zap.Int("published", stats.Published), zap.Int("deferred", stats.Deferred), zap.Int("parked", stats.Parked))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type pendingNotification struct {
	ID        int64
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
	UserID    uuid.UUID
}

// recipient validates the topic and extracts the user it addresses.
func (n *pendingNotification) recipient() error {
	raw, ok := strings.CutPrefix(n.Topic, repository.NotificationTopicPrefix)
	if !ok {
		return fmt.Errorf("topic %q is not a notification subject", n.Topic)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("topic %q has no user id: %w", n.Topic, err)
	}
	n.UserID = id
	return nil
}

// DispatchOnce locks one batch of unpublished rows, publishes each and
// records the per-row outcome in the same transaction.
func (w *Worker) DispatchOnce(ctx context.Context) (stats BatchStats, err error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return stats, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	batch, err := w.lockBatch(ctx, tx)
	if err != nil {
		return stats, err
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(batch)))

	var published []int64
	oldest := 0.0
	for i := range batch {
		n := &batch[i]
		if err := n.recipient(); err != nil {
			w.logger.Error("parking malformed notification", zap.Error(err), zap.Int64("outbox_id", n.ID))
			if err := w.recordFailure(ctx, tx, n.ID, w.cfg.MaxAttempts, err); err != nil {
				return stats, err
			}
			stats.Parked++
			continue
		}
		if err := w.publish(ctx, *n); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			attempts := n.Attempts + 1
			if err := w.recordFailure(ctx, tx, n.ID, attempts, err); err != nil {
				return stats, err
			}
			if attempts >= w.cfg.MaxAttempts {
				w.logger.Error("parking undeliverable notification", zap.Error(err),
					zap.Int64("outbox_id", n.ID), zap.String("user_id", n.UserID.String()), zap.Int("attempts", attempts))
				stats.Parked++
			} else {
				stats.Deferred++
			}
			continue
		}
		published = append(published, n.ID)
		if lag := time.Since(n.CreatedAt).Seconds(); lag > oldest {
			oldest = lag
		}
	}

	if err := w.markPublished(ctx, tx, published); err != nil {
		return stats, err
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit outbox batch: %w", err)
	}
	stats.Published = len(published)
	deliveries.WithLabelValues(resultPublished).Add(float64(stats.Published))
	deliveries.WithLabelValues(resultDeferred).Add(float64(stats.Deferred))
	deliveries.WithLabelValues(resultParked).Add(float64(stats.Parked))
	if stats.Published > 0 {
		oldestPendingSeconds.Set(oldest)
	}
	return stats, nil
}

func (w *Worker) lockBatch(ctx context.Context, tx *sql.Tx) ([]pendingNotification, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, topic, payload, attempts, created_at FROM outbox WHERE published = false AND attempts < $1 ORDER BY id LIMIT $2 FOR UPDATE SKIP LOCKED`,
		w.cfg.MaxAttempts, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var batch []pendingNotification
	for rows.Next() {
		var n pendingNotification
		if err := rows.Scan(&n.ID, &n.Topic, &n.Payload, &n.Attempts, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		batch = append(batch, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return batch, nil
}

func (w *Worker) recordFailure(ctx context.Context, tx *sql.Tx, id int64, attempts int, cause error) error {
	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET attempts = $2, last_error = $3 WHERE id = $1`, id, attempts, cause.Error()); err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

func (w *Worker) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := "UPDATE outbox SET published = true, last_error = NULL WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, n pendingNotification) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.Int64("outbox.id", n.ID),
		attribute.String("notification.user_id", n.UserID.String()),
	))
	defer span.End()

	msg := nats.NewMsg(n.Topic)
	msg.Data = n.Payload
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("outbox-%d", n.ID))
	msg.Header.Set(UserHeader, n.UserID.String())
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("x-trace-id", sc.TraceID().String())
	}

	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("notification publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", n.ID))
		if attempt >= w.cfg.RetryMax {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retries exhausted")
			return fmt.Errorf("publish outbox %d: %w", n.ID, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * w.cfg.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
