package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
)

// loopbackConn hands every published op straight back to the subscriber,
// the way a NATS server echoes to all instances including the sender.
type loopbackConn struct {
	mu       sync.Mutex
	handlers map[string]nats.MsgHandler
	sent     []*nats.Msg
}

func (l *loopbackConn) PublishMsg(msg *nats.Msg) error {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	handler := l.handlers[msg.Subject]
	l.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
	return nil
}

func (l *loopbackConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[string]nats.MsgHandler)
	}
	l.handlers[subject] = cb
	return &nats.Subscription{}, nil
}

func newLoopbackRelay(t *testing.T) (*Relay, *Hub, *loopbackConn) {
	t.Helper()
	hub := NewHub(nil)
	conn := &loopbackConn{}
	relay := &Relay{conn: conn, hub: hub, logger: zap.NewNop()}
	require.NoError(t, relay.Start())
	return relay, hub, conn
}

func TestRelayAppliesOperationsToLocalHub(t *testing.T) {
	ctx := context.Background()
	relay, hub, conn := newLoopbackRelay(t)
	userID := uuid.New()
	c := NewClient(domain.Actor{ID: userID}, 4)
	hub.Register(c)
	group := domain.RideGroup(uuid.New())

	require.NoError(t, relay.JoinUser(ctx, userID, group))
	require.Len(t, hub.Members(group), 1)

	require.NoError(t, relay.Publish(ctx, group, domain.EventRideStatusUpdated, map[string]string{"status": "accepted"}))
	env := readEnvelope(t, c)
	require.Equal(t, domain.EventRideStatusUpdated, env.Event)
	require.JSONEq(t, `{"status":"accepted"}`, string(env.Data))

	require.NoError(t, relay.LeaveUser(ctx, userID, group))
	require.Empty(t, hub.Members(group))

	require.NoError(t, relay.JoinUser(ctx, userID, group))
	require.NoError(t, relay.CloseGroup(ctx, group))
	require.Empty(t, hub.Members(group))

	require.Len(t, conn.sent, 5)
	for _, msg := range conn.sent {
		require.Equal(t, OpsSubject, msg.Subject)
	}
}

func TestRelayForwardsNotifications(t *testing.T) {
	_, hub, conn := newLoopbackRelay(t)
	userID := uuid.New()
	c := NewClient(domain.Actor{ID: userID}, 4)
	hub.Register(c)

	payload, err := json.Marshal(domain.Notification{ID: uuid.New(), UserID: userID, Title: "New offer", Category: domain.CategoryRideOffer})
	require.NoError(t, err)
	msg := nats.NewMsg(NotificationSubjectPrefix + userID.String())
	msg.Data = payload
	conn.handlers[NotificationSubjectPrefix+"*"](msg)

	env := readEnvelope(t, c)
	require.Equal(t, domain.EventNotification, env.Event)
	require.JSONEq(t, string(payload), string(env.Data))

	bad := nats.NewMsg(NotificationSubjectPrefix + "nobody")
	bad.Data = payload
	conn.handlers[NotificationSubjectPrefix+"*"](bad)
	requireEmpty(t, c)
}

func TestRelayIgnoresMalformedOps(t *testing.T) {
	_, hub, conn := newLoopbackRelay(t)
	c := NewClient(domain.Actor{ID: uuid.New()}, 4)
	hub.Register(c)

	for _, data := range []string{`not json`, `{"op":"join_user","group":"g"}`, `{"op":"explode"}`} {
		msg := nats.NewMsg(OpsSubject)
		msg.Data = []byte(data)
		conn.handlers[OpsSubject](msg)
	}
	require.Empty(t, hub.Members("g"))
	requireEmpty(t, c)
}

func TestRelayRequiresConnection(t *testing.T) {
	relay := NewRelay(nil, NewHub(nil), nil)
	ctx := context.Background()
	require.ErrorIs(t, relay.Start(), ErrNoConnection)
	require.ErrorIs(t, relay.Publish(ctx, "ride_x", domain.EventRideStatusUpdated, map[string]string{}), ErrNoConnection)
	require.ErrorIs(t, relay.JoinUser(ctx, uuid.New(), "ride_x"), ErrNoConnection)
	require.ErrorIs(t, relay.CloseGroup(ctx, "ride_x"), ErrNoConnection)
}
