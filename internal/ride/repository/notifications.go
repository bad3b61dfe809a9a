package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridebid/internal/ride/domain"
)

// NotificationTopicPrefix is the outbox topic prefix; the recipient id follows it.
const NotificationTopicPrefix = "notifications."

// PostgresNotifier persists the notification and queues its delivery in the
// outbox within one transaction. The outbox worker publishes it later.
type PostgresNotifier struct {
	db *sql.DB
}

// NewPostgresNotifier wraps an open database handle.
func NewPostgresNotifier(db *sql.DB) *PostgresNotifier {
	return &PostgresNotifier{db: db}
}

// Notify satisfies domain.NotificationGateway.
func (p *PostgresNotifier) Notify(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO notifications (id, user_id, title, message, type, related_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Title, n.Body, string(n.Category), nullUUID(n.RelatedID), n.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`,
		NotificationTopicPrefix+n.UserID.String(), payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification: %w", err)
	}
	return nil
}

// MemoryNotifier keeps notifications in process and, when a broadcaster is
// set, pushes them straight to the recipient's user group.
type MemoryNotifier struct {
	mu          sync.Mutex
	sent        []domain.Notification
	broadcaster domain.Broadcaster
}

// NewMemoryNotifier constructs the notifier. broadcaster may be nil.
func NewMemoryNotifier(broadcaster domain.Broadcaster) *MemoryNotifier {
	return &MemoryNotifier{broadcaster: broadcaster}
}

// Notify satisfies domain.NotificationGateway.
func (m *MemoryNotifier) Notify(ctx context.Context, n domain.Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	if m.broadcaster != nil {
		return m.broadcaster.Publish(ctx, domain.UserGroup(n.UserID), domain.EventNotification, n)
	}
	return nil
}

// Sent returns a copy of every notification recorded so far.
func (m *MemoryNotifier) Sent() []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Notification(nil), m.sent...)
}

// PostgresUserDirectory reads participant summaries from the users table.
type PostgresUserDirectory struct {
	db *sql.DB
}

// NewPostgresUserDirectory wraps an open database handle.
func NewPostgresUserDirectory(db *sql.DB) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db}
}

// Summaries satisfies domain.UserDirectory. Unknown ids are omitted.
func (p *PostgresUserDirectory) Summaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserSummary, error) {
	out := make(map[uuid.UUID]domain.UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, full_name, phone, rating FROM users WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.UserSummary
		if err := rows.Scan(&s.ID, &s.FullName, &s.Phone, &s.Rating); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// MemoryUserDirectory is an in-process user directory.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[uuid.UUID]domain.UserSummary
}

// NewMemoryUserDirectory constructs an empty directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{users: make(map[uuid.UUID]domain.UserSummary)}
}

// Put stores or replaces a summary.
func (m *MemoryUserDirectory) Put(s domain.UserSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[s.ID] = s
}

// Summaries satisfies domain.UserDirectory.
func (m *MemoryUserDirectory) Summaries(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]domain.UserSummary, len(ids))
	for _, id := range ids {
		if s, ok := m.users[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}
