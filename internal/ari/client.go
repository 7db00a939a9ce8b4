package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectBackoff is the fixed delay between control-plane reconnect
// attempts. In-flight calls are orphaned by a connection loss and swept as
// zombies once the stream is back.
const reconnectBackoff = 3 * time.Second

// Config holds the control-plane connection parameters.
type Config struct {
	// URL is the REST base, e.g. "http://asterisk:8088/ari".
	URL         string
	Username    string
	Password    string
	Application string
}

// Client owns the persistent control-plane connection to the telephony
// platform. It exposes the outgoing RPCs and fans events out to per-channel
// subscribers, preserving source order.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	chanSubs    map[string][]*Subscription
	globalSubs  []*Subscription
	onReconnect []func()
	nextSubID   int64
}

// NewClient creates a client. Call Run to establish the event stream.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "ari"),
		chanSubs: make(map[string][]*Subscription),
	}
}

// OnReconnect registers a hook invoked after every successful (re)connect of
// the event stream, including the first. Used for zombie recovery.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Run maintains the event websocket until ctx is cancelled, reconnecting
// with a fixed back-off on close. Loss of the control channel is not fatal.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("event stream lost, reconnecting",
				"error", err,
				"backoff", reconnectBackoff,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

// connectAndRead dials the event websocket, re-registers the application
// name, and pumps frames until the connection drops.
func (c *Client) connectAndRead(ctx context.Context) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close()

	c.logger.Info("event stream connected", "app", c.cfg.Application)

	c.mu.Lock()
	hooks := make([]func(), len(c.onReconnect))
	copy(hooks, c.onReconnect)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	// Close the socket when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading event frame: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("dropping undecodable event frame", "error", err)
			continue
		}
		c.dispatch(ev)
	}
}

// eventsURL derives the websocket endpoint from the REST base URL.
func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing ARI URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.cfg.Application)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dispatch delivers an event to the channel's subscribers and to all global
// subscribers, in source order. A subscriber whose buffer is full loses the
// event; per-channel consumers size their buffers for the burst they expect.
func (c *Client) dispatch(ev Event) {
	channelID := ev.ChannelID()

	c.mu.Lock()
	var targets []*Subscription
	if channelID != "" {
		targets = append(targets, c.chanSubs[channelID]...)
	}
	targets = append(targets, c.globalSubs...)
	c.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.C <- ev:
		default:
			c.logger.Warn("subscriber buffer full, dropping event",
				"event", ev.Type,
				"channel_id", channelID,
			)
		}
	}
}

// Subscription is a stream of events for one channel (or all channels).
type Subscription struct {
	C chan Event

	id        int64
	channelID string
	client    *Client
	closeOnce sync.Once
}

// Close detaches the subscription. The channel is not closed so a racing
// dispatch never panics; consumers stop reading instead.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.client.unsubscribe(s)
		}
	})
}

// Subscribe returns a subscription delivering events for the given channel
// id in source order.
func (c *Client) Subscribe(channelID string, buf int) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	sub := &Subscription{
		C:         make(chan Event, buf),
		id:        c.nextSubID,
		channelID: channelID,
		client:    c,
	}
	c.chanSubs[channelID] = append(c.chanSubs[channelID], sub)
	return sub
}

// SubscribeAll returns a subscription delivering every event on the stream.
func (c *Client) SubscribeAll(buf int) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	sub := &Subscription{
		C:      make(chan Event, buf),
		id:     c.nextSubID,
		client: c,
	}
	c.globalSubs = append(c.globalSubs, sub)
	return sub
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.channelID != "" {
		subs := c.chanSubs[sub.channelID]
		for i, s := range subs {
			if s.id == sub.id {
				c.chanSubs[sub.channelID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(c.chanSubs[sub.channelID]) == 0 {
			delete(c.chanSubs, sub.channelID)
		}
		return
	}
	for i, s := range c.globalSubs {
		if s.id == sub.id {
			c.globalSubs = append(c.globalSubs[:i], c.globalSubs[i+1:]...)
			break
		}
	}
}

// OriginateRequest describes an outbound channel to create.
type OriginateRequest struct {
	Endpoint  string            `json:"endpoint"`
	App       string            `json:"app"`
	AppArgs   string            `json:"appArgs,omitempty"`
	CallerID  string            `json:"callerId,omitempty"`
	Timeout   int               `json:"timeout,omitempty"`
	ChannelID string            `json:"channelId,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Originate creates a new outbound channel. The channel enters the
// application on answer and its lifecycle is reported on the event stream.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) error {
	if req.App == "" {
		req.App = c.cfg.Application
	}
	return c.do(ctx, http.MethodPost, "/channels", req, nil)
}

// Play starts playback of a media URI on a channel and returns the playback id.
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"media": mediaURI}
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", body, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// StopPlayback cancels an in-progress playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil)
}

// Answer answers a channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Hangup terminates a channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"type": "mixing"}
	if err := c.do(ctx, http.MethodPost, "/bridges", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddToBridge joins a channel into a bridge.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	body := map[string]string{"channel": channelID}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", body, nil)
}

// DestroyBridge tears a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil)
}

// Snoop attaches a two-way listen channel to an existing call and returns
// the snoop channel id.
func (c *Client) Snoop(ctx context.Context, channelID, snoopID, spy string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{
		"spy":     spy,
		"app":     c.cfg.Application,
		"snoopId": snoopID,
	}
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/snoop", body, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetVar reads a channel variable.
func (c *Client) GetVar(ctx context.Context, channelID, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	path := "/channels/" + url.PathEscape(channelID) + "/variable?variable=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// SetVar writes a channel variable.
func (c *Client) SetVar(ctx context.Context, channelID, name, value string) error {
	body := map[string]string{"variable": name, "value": value}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/variable", body, nil)
}

// do performs an authenticated REST call against the control plane.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.URL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
