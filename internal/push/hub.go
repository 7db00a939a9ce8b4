package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialcast/dialcast/internal/database/models"
)

// maxSocketsPerUser caps concurrent dashboard sockets per user.
const maxSocketsPerUser = 5

// Throttle keys for the shared rooms.
const (
	keyGlobal         = "global"
	keyAdminBroadcast = "admin_broadcast"
)

// ConnectionLimitError is returned when a user already holds the maximum
// number of concurrent sockets.
type ConnectionLimitError struct {
	UserID int64
	Max    int
}

func (e *ConnectionLimitError) Error() string {
	return fmt.Sprintf("user %d already has %d open sockets", e.UserID, e.Max)
}

// Frame is the wire format of every dashboard event. The timestamp is
// stamped server-side at emission.
type Frame struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans dashboard events out over WebSocket. Each user gets a room keyed
// by their id; admins and supervisors additionally join a shared admin room.
type Hub struct {
	secret   []byte
	throttle *Throttle
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	users  map[int64][]*Client
	admins map[*Client]struct{}

	// Presence hooks fire on a user's first socket and last disconnect.
	onConnected    func(userID int64)
	onDisconnected func(userID int64)
}

// NewHub creates a hub authenticating sockets against the given JWT secret.
func NewHub(secret []byte, throttle *Throttle, logger *slog.Logger) *Hub {
	return &Hub{
		secret:   secret,
		throttle: throttle,
		logger:   logger.With("component", "push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		users:  make(map[int64][]*Client),
		admins: make(map[*Client]struct{}),
	}
}

// SetPresenceHooks registers the callbacks fired when a user's first socket
// connects and when their last socket disconnects. Must be called before the
// hub starts accepting connections.
func (h *Hub) SetPresenceHooks(onConnected, onDisconnected func(userID int64)) {
	h.onConnected = onConnected
	h.onDisconnected = onDisconnected
}

// Connected reports whether the user has at least one open socket.
func (h *Hub) Connected(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID]) > 0
}

// HandleWS authenticates and upgrades a dashboard connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	claims, err := ParseToken(h.secret, token)
	if err != nil {
		h.logger.Debug("socket auth rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	client := &Client{
		hub:    h,
		send:   make(chan []byte, 64),
		userID: claims.UserID,
		role:   claims.Role,
		subs:   defaultSubs(),
	}

	if err := h.addClient(client); err != nil {
		var limitErr *ConnectionLimitError
		if errors.As(err, &limitErr) {
			writeError(w, http.StatusConflict, limitErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "connection rejected")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.removeClient(client)
		h.logger.Warn("socket upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}
	client.conn = conn

	h.logger.Info("dashboard socket connected", "user_id", claims.UserID, "role", claims.Role)
	go client.writePump()
	go client.readPump()
}

// addClient reserves a socket slot for the client, enforcing the per-user
// cap, and fires the presence hook on the user's first socket.
func (h *Hub) addClient(c *Client) error {
	h.mu.Lock()
	if len(h.users[c.userID]) >= maxSocketsPerUser {
		h.mu.Unlock()
		return &ConnectionLimitError{UserID: c.userID, Max: maxSocketsPerUser}
	}
	first := len(h.users[c.userID]) == 0
	h.users[c.userID] = append(h.users[c.userID], c)
	if c.role == models.RoleAdmin || c.role == models.RoleSupervisor {
		h.admins[c] = struct{}{}
	}
	h.mu.Unlock()

	if first && h.onConnected != nil {
		h.onConnected(c.userID)
	}
	return nil
}

// removeClient drops the client from its rooms and fires the presence hook
// when the user's last socket is gone.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	sockets := h.users[c.userID]
	for i, other := range sockets {
		if other == c {
			sockets = append(sockets[:i], sockets[i+1:]...)
			break
		}
	}
	if len(sockets) == 0 {
		delete(h.users, c.userID)
	} else {
		h.users[c.userID] = sockets
	}
	delete(h.admins, c)
	last := len(sockets) == 0
	h.mu.Unlock()

	if last && h.onDisconnected != nil {
		h.onDisconnected(c.userID)
	}
}

// EmitToUser sends an event to every socket of the user's room. Over-budget
// events are dropped.
func (h *Hub) EmitToUser(userID int64, event string, payload any) {
	if !h.throttle.Allow(strconv.FormatInt(userID, 10)) {
		h.logger.Debug("event dropped by throttle", "user_id", userID, "event", event)
		return
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encoding event failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	clients := append([]*Client(nil), h.users[userID]...)
	h.mu.Unlock()

	channel := eventChannel(event)
	for _, c := range clients {
		c.deliver(frame, channel)
	}
}

// EmitToAdmins multicasts an event to the shared admin room.
func (h *Hub) EmitToAdmins(event string, payload any) {
	if !h.throttle.Allow(keyAdminBroadcast) {
		h.logger.Debug("admin event dropped by throttle", "event", event)
		return
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encoding event failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.admins))
	for c := range h.admins {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	channel := eventChannel(event)
	for _, c := range clients {
		c.deliver(frame, channel)
	}
}

// Broadcast sends an event to every connected socket.
func (h *Hub) Broadcast(event string, payload any) {
	if !h.throttle.Allow(keyGlobal) {
		h.logger.Debug("broadcast dropped by throttle", "event", event)
		return
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encoding event failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	var clients []*Client
	for _, sockets := range h.users {
		clients = append(clients, sockets...)
	}
	h.mu.Unlock()

	channel := eventChannel(event)
	for _, c := range clients {
		c.deliver(frame, channel)
	}
}

// encodeFrame sanitizes the payload and stamps the server-side timestamp.
func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(Frame{
		Event:     event,
		Data:      Sanitize(payload),
		Timestamp: time.Now().UTC(),
	})
}

// eventChannel classifies an event into the opt-in sub-channel it belongs
// to. Events outside any sub-channel are always delivered.
func eventChannel(event string) string {
	switch {
	case strings.HasPrefix(event, "call-"):
		return SubCalls
	case strings.HasPrefix(event, "campaign"):
		return SubCampaigns
	case strings.HasPrefix(event, "stats"):
		return SubStats
	default:
		return ""
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
