package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
)

const (
	// OpsSubject carries hub operations between instances.
	OpsSubject = "realtime.ops"
	// NotificationSubjectPrefix is followed by the recipient's user id.
	NotificationSubjectPrefix = "notifications."
)

type opKind string

const (
	opPublish    opKind = "publish"
	opJoinUser   opKind = "join_user"
	opLeaveUser  opKind = "leave_user"
	opCloseGroup opKind = "close_group"
)

type operation struct {
	Op      opKind          `json:"op"`
	Group   string          `json:"group"`
	Event   string          `json:"event,omitempty"`
	UserID  *uuid.UUID      `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Relay fans hub operations out over NATS so every instance applies them to
// its own connections. It also turns persisted notifications published by the
// outbox worker into NotificationReceived events.
type Relay struct {
	conn   natsConn
	hub    *Hub
	logger *zap.Logger
	subs   []*nats.Subscription
}

// ErrNoConnection is returned by a Relay built without a NATS connection.
var ErrNoConnection = errors.New("relay requires a NATS connection")

// NewRelay wraps hub. The relay satisfies domain.Broadcaster.
func NewRelay(conn *nats.Conn, hub *Hub, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{hub: hub, logger: logger.Named("relay")}
	if conn != nil {
		r.conn = conn
	}
	return r
}

// Start subscribes to the operation and notification subjects.
func (r *Relay) Start() error {
	if r.conn == nil {
		return ErrNoConnection
	}
	ops, err := r.conn.Subscribe(OpsSubject, func(msg *nats.Msg) { r.apply(msg.Data) })
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", OpsSubject, err)
	}
	notes, err := r.conn.Subscribe(NotificationSubjectPrefix+"*", func(msg *nats.Msg) { r.notify(msg.Subject, msg.Data) })
	if err != nil {
		_ = ops.Unsubscribe()
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	r.subs = append(r.subs, ops, notes)
	return nil
}

// Close drops the subscriptions.
func (r *Relay) Close() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

// Publish satisfies domain.Broadcaster.
func (r *Relay) Publish(ctx context.Context, group, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return r.send(ctx, operation{Op: opPublish, Group: group, Event: event, Payload: data})
}

// JoinUser satisfies domain.Broadcaster.
func (r *Relay) JoinUser(ctx context.Context, userID uuid.UUID, group string) error {
	return r.send(ctx, operation{Op: opJoinUser, Group: group, UserID: &userID})
}

// LeaveUser satisfies domain.Broadcaster.
func (r *Relay) LeaveUser(ctx context.Context, userID uuid.UUID, group string) error {
	return r.send(ctx, operation{Op: opLeaveUser, Group: group, UserID: &userID})
}

// CloseGroup satisfies domain.Broadcaster.
func (r *Relay) CloseGroup(ctx context.Context, group string) error {
	return r.send(ctx, operation{Op: opCloseGroup, Group: group})
}

func (r *Relay) send(ctx context.Context, op operation) error {
	if r.conn == nil {
		return ErrNoConnection
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode relay op: %w", err)
	}
	msg := nats.NewMsg(OpsSubject)
	msg.Data = data
	if traceID := traceIDFromContext(ctx); traceID != "" {
		msg.Header.Set("x-trace-id", traceID)
	}
	if err := r.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish relay op: %w", err)
	}
	return nil
}

func (r *Relay) apply(data []byte) {
	var op operation
	if err := json.Unmarshal(data, &op); err != nil {
		r.logger.Warn("discarding malformed relay op", zap.Error(err))
		return
	}
	ctx := context.Background()
	switch op.Op {
	case opPublish:
		r.hub.deliver(op.Group, op.Event, mustFrame(op.Event, op.Payload))
	case opJoinUser, opLeaveUser:
		if op.UserID == nil {
			r.logger.Warn("relay op without user", zap.String("op", string(op.Op)))
			return
		}
		if op.Op == opJoinUser {
			_ = r.hub.JoinUser(ctx, *op.UserID, op.Group)
		} else {
			_ = r.hub.LeaveUser(ctx, *op.UserID, op.Group)
		}
	case opCloseGroup:
		_ = r.hub.CloseGroup(ctx, op.Group)
	default:
		r.logger.Warn("unknown relay op", zap.String("op", string(op.Op)))
	}
}

func (r *Relay) notify(subject string, data []byte) {
	userID, err := uuid.Parse(strings.TrimPrefix(subject, NotificationSubjectPrefix))
	if err != nil {
		r.logger.Warn("notification subject without user id", zap.String("subject", subject))
		return
	}
	var n domain.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		r.logger.Warn("discarding malformed notification", zap.Error(err), zap.String("subject", subject))
		return
	}
	r.hub.deliver(domain.UserGroup(userID), domain.EventNotification, mustFrame(domain.EventNotification, data))
}

// mustFrame wraps an already encoded payload; the envelope itself cannot fail to encode.
func mustFrame(event string, payload json.RawMessage) []byte {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	frame, _ := json.Marshal(Envelope{Event: event, Data: payload})
	return frame
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
