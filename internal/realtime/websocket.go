package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client message types.
const (
	MsgJoinRide        = "JoinRide"
	MsgLeaveRide       = "LeaveRide"
	MsgJoinDriverGroup = "JoinDriverGroup"
	MsgUpdateLocation  = "UpdateLocation"
)

// EventError is sent to a single connection when one of its messages fails.
const EventError = "Error"

// ClientMessage is a client to server frame.
type ClientMessage struct {
	Type     string     `json:"type"`
	RideID   *uuid.UUID `json:"ride_id,omitempty"`
	DriverID *uuid.UUID `json:"driver_id,omitempty"`
	Lat      float64    `json:"lat,omitempty"`
	Lng      float64    `json:"lng,omitempty"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator func(r *http.Request) (domain.Actor, error)

// Gatekeeper decides which groups a connection may join and handles
// location updates sent over the socket.
type Gatekeeper interface {
	CanJoinRide(ctx context.Context, actor domain.Actor, rideID uuid.UUID) error
	CanWatchDriver(ctx context.Context, actor domain.Actor, driverID uuid.UUID) error
	UpdateLocation(ctx context.Context, actor domain.Actor, point domain.GeoPoint) error
}

// Server upgrades HTTP requests and pumps frames between sockets and the hub.
type Server struct {
	hub      *Hub
	auth     Authenticator
	gate     Gatekeeper
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer constructs the websocket endpoint.
func NewServer(hub *Hub, auth Authenticator, gate Gatekeeper, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:  hub,
		auth: auth,
		gate: gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
}

// ServeHTTP handles GET /ws.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := s.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(actor, defaultSendBuffer)
	s.hub.Register(client)
	s.logger.Debug("connected", zap.String("conn_id", client.ID), zap.String("user_id", actor.ID.String()))

	go s.writePump(conn, client)
	s.readPump(r.Context(), conn, client)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Unregister(client.ID)
		_ = conn.Close()
		s.logger.Debug("disconnected", zap.String("conn_id", client.ID))
	}()
	// The request context ends with the handler; keep values only.
	ctx = context.WithoutCancel(ctx)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read failed", zap.Error(err), zap.String("conn_id", client.ID))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reply(client, domain.Errorf(domain.KindInvalidInput, "malformed message"))
			continue
		}
		if err := s.handle(ctx, client, msg); err != nil {
			s.reply(client, err)
		}
	}
}

func (s *Server) handle(ctx context.Context, client *Client, msg ClientMessage) error {
	switch msg.Type {
	case MsgJoinRide:
		if msg.RideID == nil {
			return domain.Errorf(domain.KindInvalidInput, "ride_id is required")
		}
		if err := s.gate.CanJoinRide(ctx, client.Actor, *msg.RideID); err != nil {
			return err
		}
		return s.hub.Join(client.ID, domain.RideGroup(*msg.RideID))
	case MsgLeaveRide:
		if msg.RideID == nil {
			return domain.Errorf(domain.KindInvalidInput, "ride_id is required")
		}
		s.hub.Leave(client.ID, domain.RideGroup(*msg.RideID))
		return nil
	case MsgJoinDriverGroup:
		driverID := client.UserID
		if msg.DriverID != nil {
			driverID = *msg.DriverID
		}
		if err := s.gate.CanWatchDriver(ctx, client.Actor, driverID); err != nil {
			return err
		}
		return s.hub.Join(client.ID, domain.DriverGroup(driverID))
	case MsgUpdateLocation:
		return s.gate.UpdateLocation(ctx, client.Actor, domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng})
	default:
		return domain.Errorf(domain.KindInvalidInput, "unknown message type %q", msg.Type)
	}
}

func (s *Server) reply(client *Client, err error) {
	kind := domain.KindOf(err)
	message := err.Error()
	if kind == "" {
		s.logger.Error("message handling failed", zap.Error(err), zap.String("conn_id", client.ID))
		kind, message = "internal", "internal error"
	}
	if sendErr := s.hub.sendTo(client.ID, EventError, errorPayload{Error: string(kind), Message: message}); sendErr != nil {
		s.logger.Warn("error reply failed", zap.Error(sendErr))
	}
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
