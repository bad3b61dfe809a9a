package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebid/internal/ride/domain"
)

type fakeGate struct {
	mu        sync.Mutex
	allowed   map[uuid.UUID]bool
	locations []domain.GeoPoint
}

func (g *fakeGate) CanJoinRide(_ context.Context, _ domain.Actor, rideID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.allowed[rideID] {
		return domain.ErrUnauthorized
	}
	return nil
}

func (g *fakeGate) CanWatchDriver(_ context.Context, actor domain.Actor, driverID uuid.UUID) error {
	if actor.ID != driverID {
		return domain.ErrUnauthorized
	}
	return nil
}

func (g *fakeGate) UpdateLocation(_ context.Context, _ domain.Actor, p domain.GeoPoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locations = append(g.locations, p)
	return nil
}

func headerAuth(r *http.Request) (domain.Actor, error) {
	id, err := uuid.Parse(r.URL.Query().Get("user"))
	if err != nil {
		return domain.Actor{}, errors.New("no user")
	}
	return domain.Actor{ID: id}, nil
}

func dial(t *testing.T, srv *httptest.Server, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + userID.String()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebsocketJoinRideAndReceiveEvents(t *testing.T) {
	hub := NewHub(nil)
	rideID := uuid.New()
	gate := &fakeGate{allowed: map[uuid.UUID]bool{rideID: true}}
	srv := httptest.NewServer(NewServer(hub, headerAuth, gate, nil))
	defer srv.Close()

	userID := uuid.New()
	conn := dial(t, srv, userID)
	require.Eventually(t, func() bool { _, ok := hub.Primary(userID); return ok }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgJoinRide, RideID: &rideID}))
	require.Eventually(t, func() bool { return len(hub.Members(domain.RideGroup(rideID))) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), domain.RideGroup(rideID), domain.EventOfferReceived, map[string]string{"ride_id": rideID.String()}))
	env := readFrame(t, conn)
	require.Equal(t, domain.EventOfferReceived, env.Event)
	require.JSONEq(t, `{"ride_id":"`+rideID.String()+`"}`, string(env.Data))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgLeaveRide, RideID: &rideID}))
	require.Eventually(t, func() bool { return len(hub.Members(domain.RideGroup(rideID))) == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsForbiddenJoinAndUnknownMessages(t *testing.T) {
	hub := NewHub(nil)
	gate := &fakeGate{allowed: map[uuid.UUID]bool{}}
	srv := httptest.NewServer(NewServer(hub, headerAuth, gate, nil))
	defer srv.Close()

	conn := dial(t, srv, uuid.New())
	rideID := uuid.New()
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgJoinRide, RideID: &rideID}))
	env := readFrame(t, conn)
	require.Equal(t, EventError, env.Event)
	require.Contains(t, string(env.Data), string(domain.KindUnauthorized))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "Dance"}))
	env = readFrame(t, conn)
	require.Equal(t, EventError, env.Event)
	require.Contains(t, string(env.Data), string(domain.KindInvalidInput))
	require.Empty(t, hub.Members(domain.RideGroup(rideID)))
}

func TestWebsocketDriverGroupAndLocation(t *testing.T) {
	hub := NewHub(nil)
	gate := &fakeGate{}
	srv := httptest.NewServer(NewServer(hub, headerAuth, gate, nil))
	defer srv.Close()

	driverID := uuid.New()
	conn := dial(t, srv, driverID)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgJoinDriverGroup}))
	require.Eventually(t, func() bool { return len(hub.Members(domain.DriverGroup(driverID))) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgUpdateLocation, Lat: 40.7, Lng: -74}))
	require.Eventually(t, func() bool {
		gate.mu.Lock()
		defer gate.mu.Unlock()
		return len(gate.locations) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebsocketDisconnectUnregisters(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewServer(hub, headerAuth, &fakeGate{}, nil))
	defer srv.Close()

	userID := uuid.New()
	conn := dial(t, srv, userID)
	require.Eventually(t, func() bool { _, ok := hub.Primary(userID); return ok }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { _, ok := hub.Primary(userID); return !ok }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRequiresAuthentication(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewHub(nil), headerAuth, &fakeGate{}, nil))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
