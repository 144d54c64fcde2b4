package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

type countObserver struct {
	mu   sync.Mutex
	last int
}

func (o *countObserver) ClientsChanged(n int) {
	o.mu.Lock()
	o.last = n
	o.mu.Unlock()
}

func (o *countObserver) value() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, opts ...Option) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(httpHandler(hub))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
		srv.Close()
	})
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHubSendsStatusAndBroadcasts(t *testing.T) {
	obs := &countObserver{}
	hub, conn := startHub(t,
		WithObserver(obs),
		WithStatus(func() any { return map[string]string{"mode": "trade"} }),
	)

	status := readFrame(t, conn)
	assert.Equal(t, "status", status.Type)
	assert.JSONEq(t, `{"mode":"trade"}`, string(status.Data))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 && obs.value() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(domain.ChannelExecutions, []byte(`{"id":"e1"}`))
	got := readFrame(t, conn)
	assert.Equal(t, domain.ChannelExecutions, got.Type)
	assert.JSONEq(t, `{"id":"e1"}`, string(got.Data))
}

func TestHubSubscriptions(t *testing.T) {
	hub, conn := startHub(t)
	readFrame(t, conn) // status

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelExecutions}}))
	ack := readFrame(t, conn)
	assert.Equal(t, "subscriptions", ack.Type)
	assert.JSONEq(t, `["arb:opportunities","arb:alerts"]`, string(ack.Data))

	hub.Broadcast(domain.ChannelExecutions, []byte(`{"id":"skipped"}`))
	hub.OpportunitiesDetected(context.Background(), []domain.Opportunity{{ID: "o1", Symbol: "BTC/USDT"}})

	got := readFrame(t, conn)
	assert.Equal(t, domain.ChannelOpportunities, got.Type)
	var summaries []domain.OpportunitySummary
	require.NoError(t, json.Unmarshal(got.Data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "o1", summaries[0].ID)
}

func TestHubWildcardSubscription(t *testing.T) {
	hub, conn := startHub(t)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"venue:*"}}))
	readFrame(t, conn)

	hub.Broadcast("venue:alpha", []byte(`{"state":"open"}`))
	got := readFrame(t, conn)
	assert.Equal(t, "venue:alpha", got.Type)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), WithAllowedOrigins([]string{"https://dash.example"}))
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://dash.example")
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(r))
}
