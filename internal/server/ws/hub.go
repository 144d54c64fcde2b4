// Package ws pushes engine events to dashboard clients over websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// DefaultChannels are relayed from the event bus and subscribed for every
// new client.
var DefaultChannels = []string{
	domain.ChannelOpportunities,
	domain.ChannelExecutions,
	domain.ChannelAlerts,
}

// Observer tracks the connected client count.
type Observer interface {
	ClientsChanged(n int)
}

// Option configures a Hub.
type Option func(*Hub)

// WithObserver installs a client-count observer.
func WithObserver(o Observer) Option { return func(h *Hub) { h.obs = o } }

// WithStatus sets the snapshot sent to each client on connect.
func WithStatus(fn func() any) Option { return func(h *Hub) { h.status = fn } }

// WithAllowedOrigins restricts the upgrade to the given Origin values.
// Empty or "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// envelope is the frame written to clients.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// subscribeMsg is sent by clients to change their channel set.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type broadcastMsg struct {
	channel string
	frame   []byte
}

// Hub fans messages out to clients subscribed to their channel. Messages
// arrive either from the event bus (when one is set) or from in-process
// Broadcast calls.
type Hub struct {
	bus      domain.EventBus
	logger   *slog.Logger
	obs      Observer
	status   func() any
	origins  []string
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan broadcastMsg
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// NewHub creates a Hub. bus may be nil.
func NewHub(bus domain.EventBus, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan broadcastMsg, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run owns the client set until ctx ends. With a bus it also relays
// DefaultChannels from it.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range DefaultChannels {
			go h.relay(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.clientsChanged()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.clientsChanged()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.clientsChanged()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.frame:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("channel", msg.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) clientsChanged() {
	n := h.ClientCount()
	h.logger.Debug("clients changed", slog.Int("total_clients", n))
	if h.obs != nil {
		h.obs.ClientsChanged(n)
	}
}

// relay forwards one bus channel to the clients.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for data := range msgs {
		h.Broadcast(channel, data)
	}
}

// Broadcast queues payload, which must be JSON, for clients subscribed to
// channel. It drops the message rather than block when the hub is behind.
func (h *Hub) Broadcast(channel string, payload []byte) {
	frame, err := json.Marshal(envelope{Type: channel, Data: payload})
	if err != nil {
		h.logger.Warn("dropping invalid payload", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{channel: channel, frame: frame}:
	default:
		h.logger.Warn("broadcast queue full", slog.String("channel", channel))
	}
}

// OpportunitiesDetected pushes a scan's candidates as summaries. It lets
// the hub act as the manager's sink when no event bus is configured.
func (h *Hub) OpportunitiesDetected(_ context.Context, opps []domain.Opportunity) {
	if len(opps) == 0 {
		return
	}
	now := time.Now()
	out := make([]domain.OpportunitySummary, 0, len(opps))
	for _, o := range opps {
		out = append(out, o.Summary(now))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	h.Broadcast(domain.ChannelOpportunities, data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(DefaultChannels)),
	}
	for _, ch := range DefaultChannels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

// sendStatus queues the on-connect snapshot. Once a client has it, the
// client is registered.
func (c *client) sendStatus() {
	var status any = map[string]any{}
	if c.hub.status != nil {
		status = c.hub.status()
	}
	c.enqueue("status", status)
}

func (c *client) enqueue(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Type: kind, Data: data})
	if err != nil {
		return
	}
	defer func() { _ = recover() }() // send may be closed by Run's shutdown
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil || len(sub.Channels) == 0 {
			continue
		}
		if c.applySubscription(sub) {
			c.enqueue("subscriptions", c.channels())
		}
	}
}

// applySubscription reports whether the action was understood.
func (c *client) applySubscription(msg subscribeMsg) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	default:
		return false
	}
	return true
}

func (c *client) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for _, ch := range DefaultChannels {
		if c.subs[ch] {
			out = append(out, ch)
		}
	}
	for ch := range c.subs {
		if !contains(DefaultChannels, ch) {
			out = append(out, ch)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// isSubscribed matches exactly or by a trailing "*" prefix pattern.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
