package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	tickers []domain.Ticker
	err     error
}

func (s *recordingSink) SetTicker(_ context.Context, t domain.Ticker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers = append(s.tickers, t)
	return s.err
}

func (s *recordingSink) all() []domain.Ticker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Ticker(nil), s.tickers...)
}

type countingObserver struct {
	messages   atomic.Int64
	reconnects atomic.Int64
}

func (o *countingObserver) FeedMessage(string) { o.messages.Add(1) }
func (o *countingObserver) FeedReconnect()     { o.reconnects.Add(1) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// tickerServer accepts websocket sessions; each session reads the
// subscription, sends the frames scripted for that session and closes.
func tickerServer(t *testing.T, sessions [][]string, subs chan<- command) *httptest.Server {
	t.Helper()
	var n atomic.Int64
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		select {
		case subs <- cmd:
		default:
		}

		i := int(n.Add(1)) - 1
		if i >= len(sessions) {
			// Hold the last session open until the client leaves.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		for _, frame := range sessions[i] {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestTickerFeedForwardsQuotes(t *testing.T) {
	subs := make(chan command, 4)
	srv := tickerServer(t, [][]string{{
		`{"type":"ticker","venue":"alpha","symbol":"BTC/USDT","bid":"50000","ask":"50010","volume":"12.5","ts":1710417600000}`,
		`{"type":"heartbeat"}`,
		`not json`,
		`{"type":"ticker","venue":"beta","symbol":"BTC/USDT","bid":50300,"ask":50310}`,
		`{"type":"ticker","venue":"beta","symbol":"BTC/USDT","bid":"2","ask":"1"}`,
	}}, subs)
	defer srv.Close()

	sink := &recordingSink{}
	other := &recordingSink{err: errors.New("cache down")}
	obs := &countingObserver{}
	f := NewTickerFeed(Config{
		URL:            wsURL(srv),
		Symbols:        []string{"BTC/USDT"},
		ReconnectDelay: 10 * time.Millisecond,
	}, []Sink{sink, other}, discard(), WithObserver(obs))
	fixed := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()

	cmd := <-subs
	assert.Equal(t, "subscribe", cmd.Type)
	assert.Equal(t, []string{"ticker"}, cmd.Channels)
	assert.Equal(t, []string{"BTC/USDT"}, cmd.Symbols)

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	got := sink.all()
	assert.Equal(t, "alpha", got[0].Venue)
	assert.Equal(t, "50010", got[0].Ask.String())
	assert.Equal(t, time.UnixMilli(1710417600000).UTC(), got[0].Timestamp)
	assert.Equal(t, "beta", got[1].Venue)
	assert.Equal(t, fixed, got[1].Timestamp)
	assert.Len(t, other.all(), 2, "a failing sink does not stop delivery")
	assert.Equal(t, int64(2), obs.messages.Load())
}

func TestTickerFeedReconnects(t *testing.T) {
	subs := make(chan command, 8)
	srv := tickerServer(t, [][]string{
		{`{"venue":"alpha","symbol":"BTC/USDT","bid":"1","ask":"2"}`},
		{`{"venue":"alpha","symbol":"BTC/USDT","bid":"3","ask":"4"}`},
	}, subs)
	defer srv.Close()

	sink := &recordingSink{}
	obs := &countingObserver{}
	f := NewTickerFeed(Config{URL: wsURL(srv), ReconnectDelay: 5 * time.Millisecond},
		[]Sink{sink}, discard(), WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, obs.reconnects.Load(), int64(1))
	assert.Equal(t, "3", sink.all()[1].Bid.String())
}

func TestTickerFeedRequiresURL(t *testing.T) {
	f := NewTickerFeed(Config{}, nil, discard())
	assert.Error(t, f.Run(context.Background()))
}
