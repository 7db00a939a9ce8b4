package push

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Opt-in sub-channels a client may subscribe to within its user room.
const (
	SubCampaigns = "campaigns"
	SubCalls     = "calls"
	SubStats     = "stats"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxMsgSize = 1024
)

// Client is one dashboard socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64
	role   string

	mu   sync.Mutex
	subs map[string]bool
}

// New clients receive every sub-channel until they unsubscribe.
func defaultSubs() map[string]bool {
	return map[string]bool{
		SubCampaigns: true,
		SubCalls:     true,
		SubStats:     true,
	}
}

// deliver queues a frame for the socket, honoring the client's sub-channel
// subscriptions. A full send buffer drops the frame; a dashboard can always
// refresh its state.
func (c *Client) deliver(frame []byte, channel string) {
	if channel != "" {
		c.mu.Lock()
		subscribed := c.subs[channel]
		c.mu.Unlock()
		if !subscribed {
			return
		}
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) subscribe(channel string) {
	if channel != SubCampaigns && channel != SubCalls && channel != SubStats {
		return
	}
	c.mu.Lock()
	c.subs[channel] = true
	c.mu.Unlock()
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
}

// clientCommand is the inbound control message format.
type clientCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// readPump consumes control messages until the socket closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		c.hub.logger.Info("dashboard socket disconnected", "user_id", c.userID)
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("socket read error", "user_id", c.userID, "error", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			c.subscribe(cmd.Channel)
		case "unsubscribe":
			c.unsubscribe(cmd.Channel)
		case "ping":
			frame, err := encodeFrame("pong", map[string]any{
				"timestamp": time.Now().UTC(),
			})
			if err == nil {
				c.deliver(frame, "")
			}
		}
	}
}

// writePump flushes queued frames and keeps the socket alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
