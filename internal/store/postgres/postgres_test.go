package postgres

import (
	"context"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@h/db", DSN(ClientConfig{DSN: "postgres://u:p@h/db", Host: "ignored"}))

	got := DSN(ClientConfig{Host: "db", Database: "smartarb", User: "arb", Password: "p@ss word"})
	assert.Equal(t, "postgres://arb:p%40ss%20word@db:5432/smartarb?sslmode=disable", got)

	got = DSN(ClientConfig{Host: "10.0.0.5", Port: 6432, Database: "x", User: "u", Password: "p", SSLMode: "require"})
	assert.Equal(t, "postgres://u:p@10.0.0.5:6432/x?sslmode=require", got)
}

func TestListQuery(t *testing.T) {
	since := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	q, args := listQuery("SELECT * FROM t WHERE 1=1", "ts", domain.ListOpts{Since: &since, Limit: 10, Offset: 20}, nil)
	assert.Equal(t, "SELECT * FROM t WHERE 1=1 AND ts >= $1 ORDER BY ts DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)

	q, args = listQuery("SELECT * FROM t WHERE a = $1", "ts", domain.ListOpts{Until: &since}, []any{"x"})
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND ts <= $2 ORDER BY ts DESC", q)
	assert.Equal(t, []any{"x", since}, args)
}

func TestMigrationNames(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_more.sql": {Data: []byte("SELECT 1")},
		"migrations/001_init.sql": {Data: []byte("SELECT 1")},
		"migrations/README.md":    {Data: []byte("notes")},
	}
	names, err := migrationNames(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_more.sql"}, names)

	embedded, err := migrationNames(migrationsFS)
	require.NoError(t, err)
	assert.Contains(t, embedded, "001_init.sql")
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	now := time.Now()
	require.NotNil(t, nullTime(now))
	assert.True(t, derefTime(nullTime(now)).Equal(now))
	assert.True(t, derefTime(nil).IsZero())
}

// TestStoresAgainstDatabase runs only when SMARTARB_TEST_POSTGRES_DSN points
// at a disposable database.
func TestStoresAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("SMARTARB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SMARTARB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	opp := domain.Opportunity{
		ID:             uuid.NewString(),
		Kind:           domain.KindSpatial,
		Strategy:       "spatial",
		Symbol:         "BTC/USDT",
		BuyVenue:       "alpha",
		SellVenue:      "beta",
		Amount:         decimal.RequireFromString("0.1"),
		BuyPrice:       decimal.RequireFromString("50000"),
		SellPrice:      decimal.RequireFromString("50400"),
		SpreadPct:      decimal.RequireFromString("0.8"),
		ExpectedProfit: decimal.RequireFromString("30.5"),
		Status:         domain.StatusExecuted,
		Reasons:        []string{"ok"},
		DetectedAt:     now,
		ValidUntil:     now.Add(5 * time.Second),
	}
	res := domain.ExecutionResult{
		ID:             uuid.NewString(),
		OpportunityID:  opp.ID,
		Kind:           domain.KindSpatial,
		Symbol:         opp.Symbol,
		Status:         domain.ExecCompleted,
		Success:        true,
		Buy:            domain.LegResult{Venue: "alpha", Side: domain.SideBuy, FilledAmount: opp.Amount, AvgPrice: opp.BuyPrice},
		Sell:           domain.LegResult{Venue: "beta", Side: domain.SideSell, FilledAmount: opp.Amount, AvgPrice: opp.SellPrice},
		RealizedProfit: decimal.RequireFromString("29.75"),
		StartedAt:      now,
		FinishedAt:     now.Add(time.Second),
	}

	execs := NewExecutionStore(c.Pool())
	require.NoError(t, execs.SaveResult(ctx, opp, res))

	got, err := execs.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, got.RealizedProfit.Equal(res.RealizedProfit))
	assert.Equal(t, "beta", got.Sell.Venue)
	assert.True(t, got.Buy.AvgPrice.Equal(opp.BuyPrice))

	gotOpp, err := NewOpportunityStore(c.Pool()).GetByID(ctx, opp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, gotOpp.Reasons)
	assert.True(t, gotOpp.SellPrice.Equal(opp.SellPrice))

	_, err = execs.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sum, err := execs.SumPnL(ctx, now.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, sum.GreaterThanOrEqual(res.RealizedProfit))

	audit := NewAuditStore(c.Pool())
	require.NoError(t, audit.Log(ctx, "test_event", map[string]any{"id": res.ID}))
	entries, err := audit.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test_event", entries[0].Event)
}
