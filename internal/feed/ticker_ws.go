// Package feed streams live quotes from a websocket ticker source into the
// engine's paper venues and ticker cache.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxReconnectDelay = 60 * time.Second
)

// Sink receives decoded tickers. The venue registry and the redis ticker
// cache both satisfy it.
type Sink interface {
	SetTicker(ctx context.Context, t domain.Ticker) error
}

// Observer counts feed traffic. metrics.Registry satisfies it.
type Observer interface {
	FeedMessage(venue string)
	FeedReconnect()
}

// Config configures the ticker feed.
type Config struct {
	URL            string
	Channels       []string
	Symbols        []string
	ReconnectDelay time.Duration
}

// command is the subscription frame sent after every connect.
type command struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

// tickerMessage is one inbound quote. Prices may be JSON strings or numbers.
type tickerMessage struct {
	Type      string          `json:"type"`
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"ts"` // unix millis
}

// TickerFeed connects to a websocket ticker stream, subscribes to the
// configured symbols and forwards every quote to its sinks. It reconnects
// with exponential backoff until its context ends.
type TickerFeed struct {
	cfg    Config
	sinks  []Sink
	obs    Observer
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a TickerFeed.
type Option func(*TickerFeed)

// WithObserver reports message and reconnect counts.
func WithObserver(o Observer) Option {
	return func(f *TickerFeed) { f.obs = o }
}

// NewTickerFeed creates a feed that forwards quotes to sinks.
func NewTickerFeed(cfg Config, sinks []Sink, logger *slog.Logger, opts ...Option) *TickerFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"ticker"}
	}
	f := &TickerFeed{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger.With(slog.String("component", "ticker_feed")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run connects and streams until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		return errors.New("feed: url is empty")
	}
	delay := f.cfg.ReconnectDelay
	for {
		received, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			delay = f.cfg.ReconnectDelay
		}
		f.logger.WarnContext(ctx, "ticker feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		if f.obs != nil {
			f.obs.FeedReconnect()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection serves one websocket session and returns the number of
// quotes it forwarded.
func (f *TickerFeed) runConnection(ctx context.Context) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("feed: connect: %w", err)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	sub := command{Type: "subscribe", Channels: f.cfg.Channels, Symbols: f.cfg.Symbols}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return 0, fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "ticker feed subscribed",
		slog.String("url", f.cfg.URL),
		slog.Int("symbols", len(f.cfg.Symbols)),
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Only the ping loop writes from here on.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage.
				closeConn()
				return
			case <-ticker.C:
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				if err != nil {
					return
				}
			}
		}
	}()

	received := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("feed: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if f.handleMessage(ctx, raw) {
			received++
		}
	}
}

// handleMessage decodes one frame and forwards it. Frames that are not
// ticker updates are dropped.
func (f *TickerFeed) handleMessage(ctx context.Context, raw []byte) bool {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.DebugContext(ctx, "ticker feed dropped unparseable frame",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(raw)),
		)
		return false
	}
	if msg.Type != "" && msg.Type != "ticker" {
		return false
	}
	venue := strings.TrimSpace(msg.Venue)
	if venue == "" || msg.Symbol == "" {
		return false
	}

	t := domain.Ticker{
		Venue:  venue,
		Symbol: msg.Symbol,
		Bid:    msg.Bid,
		Ask:    msg.Ask,
		Last:   msg.Last,
		Volume: msg.Volume,
	}
	if msg.Timestamp > 0 {
		t.Timestamp = time.UnixMilli(msg.Timestamp).UTC()
	} else {
		t.Timestamp = f.now().UTC()
	}
	if !t.Valid() {
		f.logger.DebugContext(ctx, "ticker feed dropped invalid quote",
			slog.String("venue", venue),
			slog.String("symbol", msg.Symbol),
		)
		return false
	}

	if f.obs != nil {
		f.obs.FeedMessage(venue)
	}
	for _, s := range f.sinks {
		if err := s.SetTicker(ctx, t); err != nil {
			f.logger.DebugContext(ctx, "ticker sink rejected quote",
				slog.String("venue", venue),
				slog.String("symbol", msg.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}
