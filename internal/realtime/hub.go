package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_deliveries_total",
		Help: "Event deliveries to live connections grouped by result.",
	}, []string{"event", "result"})
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Live realtime connections held by this instance.",
	})
)

const defaultSendBuffer = 64

// Envelope is the server to client frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is one live connection. Frames are queued on a buffered channel and
// dropped when the client cannot keep up.
type Client struct {
	ID     string
	UserID uuid.UUID
	Actor  domain.Actor
	send   chan []byte
}

// NewClient creates a client for actor with the given queue depth.
func NewClient(actor domain.Actor, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{ID: uuid.NewString(), UserID: actor.ID, Actor: actor, send: make(chan []byte, buffer)}
}

// Messages exposes the outbound queue. It is closed when the client is unregistered.
func (c *Client) Messages() <-chan []byte { return c.send }

// Hub tracks connection group membership for this process. A user may hold
// several connections; each one is a member of user_{id} while it is open.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	groups      map[string]map[string]struct{}
	memberships map[string]map[string]struct{}
	users       map[uuid.UUID]map[string]struct{}
	primary     map[uuid.UUID]string
	logger      *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:     make(map[string]*Client),
		groups:      make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
		users:       make(map[uuid.UUID]map[string]struct{}),
		primary:     make(map[uuid.UUID]string),
		logger:      logger.Named("realtime"),
	}
}

// Register binds the client to its user group. The first live connection of
// a user becomes its primary connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		return
	}
	h.clients[c.ID] = c
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]struct{})
	}
	h.users[c.UserID][c.ID] = struct{}{}
	if _, ok := h.primary[c.UserID]; !ok {
		h.primary[c.UserID] = c.ID
	}
	h.joinLocked(c.ID, domain.UserGroup(c.UserID))
	connectionsGauge.Inc()
}

// Unregister removes the client from every group and closes its queue.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	for group := range h.memberships[connID] {
		h.leaveLocked(connID, group)
	}
	delete(h.memberships, connID)
	delete(h.clients, connID)

	conns := h.users[c.UserID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.users, c.UserID)
		delete(h.primary, c.UserID)
	} else if h.primary[c.UserID] == connID {
		for other := range conns {
			h.primary[c.UserID] = other
			break
		}
	}
	close(c.send)
	connectionsGauge.Dec()
}

// Join adds a connection to group. Joining twice is a no-op.
func (h *Hub) Join(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[connID]; !ok {
		return fmt.Errorf("connection %s is not registered", connID)
	}
	h.joinLocked(connID, group)
	return nil
}

// Leave removes a connection from group. Leaving a group twice is a no-op.
func (h *Hub) Leave(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, group)
}

func (h *Hub) joinLocked(connID, group string) {
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]struct{})
	}
	h.groups[group][connID] = struct{}{}
	if h.memberships[connID] == nil {
		h.memberships[connID] = make(map[string]struct{})
	}
	h.memberships[connID][group] = struct{}{}
}

func (h *Hub) leaveLocked(connID, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if groups, ok := h.memberships[connID]; ok {
		delete(groups, group)
	}
}

// Publish delivers event to every current member of group. Slow clients
// lose the frame rather than block the publisher.
func (h *Hub) Publish(_ context.Context, group, event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	delivered := h.deliver(group, event, frame)
	h.logger.Debug("published", zap.String("group", group), zap.String("event", event), zap.Int("delivered", delivered))
	return nil
}

func (h *Hub) deliver(group, event string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for connID := range h.groups[group] {
		if h.trySend(h.clients[connID], event, frame) {
			delivered++
		}
	}
	return delivered
}

// trySend must be called with h.mu held so the queue cannot be closed underneath it.
func (h *Hub) trySend(c *Client, event string, frame []byte) bool {
	if c == nil {
		return false
	}
	select {
	case c.send <- frame:
		deliveriesTotal.WithLabelValues(event, "delivered").Inc()
		return true
	default:
		deliveriesTotal.WithLabelValues(event, "dropped").Inc()
		h.logger.Warn("dropping frame for slow client", zap.String("conn_id", c.ID), zap.String("event", event))
		return false
	}
}

// SendDirect delivers event to the user's primary connection only.
func (h *Hub) SendDirect(_ context.Context, userID uuid.UUID, event string, payload any) (bool, error) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return false, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	connID, ok := h.primary[userID]
	if !ok {
		return false, nil
	}
	return h.trySend(h.clients[connID], event, frame), nil
}

// sendTo delivers event to one connection.
func (h *Hub) sendTo(connID, event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.trySend(h.clients[connID], event, frame)
	return nil
}

// JoinUser adds all live connections of the user to group.
func (h *Hub) JoinUser(_ context.Context, userID uuid.UUID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.users[userID] {
		h.joinLocked(connID, group)
	}
	return nil
}

// LeaveUser removes all live connections of the user from group.
func (h *Hub) LeaveUser(_ context.Context, userID uuid.UUID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.users[userID] {
		h.leaveLocked(connID, group)
	}
	return nil
}

// CloseGroup drops every member of group.
func (h *Hub) CloseGroup(_ context.Context, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.groups[group] {
		h.leaveLocked(connID, group)
	}
	return nil
}

// Members returns the connection ids currently in group.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.groups[group]))
	for connID := range h.groups[group] {
		out = append(out, connID)
	}
	return out
}

// Primary returns the user's primary connection id.
func (h *Hub) Primary(userID uuid.UUID) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connID, ok := h.primary[userID]
	return connID, ok
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return frame, nil
}
