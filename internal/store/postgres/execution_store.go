package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore. An execution is written
// together with its opportunity and both legs in one transaction, which
// also makes it the pipeline's durable domain.ResultSaver.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore on pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `
	id, opportunity_id, kind, strategy, symbol, status, success,
	expected_profit::text, realized_profit::text, fees_paid::text, slippage_pct::text,
	unhedged, error, started_at, finished_at`

const legColumns = `
	execution_id, venue, side, order_id, status,
	requested_amount::text, limit_price::text, filled_amount::text, avg_price::text, fee::text,
	cancel_requested, cancel_error, error`

// Create upserts opp and inserts res with its legs atomically.
func (s *ExecutionStore) Create(ctx context.Context, opp domain.Opportunity, res domain.ExecutionResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertOpportunity(ctx, tx, opp); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO executions (
			id, opportunity_id, kind, strategy, symbol, status, success,
			expected_profit, realized_profit, fees_paid, slippage_pct,
			unhedged, error, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		res.ID, res.OpportunityID, string(res.Kind), res.Strategy, res.Symbol, string(res.Status), res.Success,
		num(res.ExpectedProfit), num(res.RealizedProfit), num(res.FeesPaid), num(res.SlippagePct),
		res.Unhedged, res.Error, res.StartedAt, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", res.ID, err)
	}

	for _, leg := range []domain.LegResult{res.Buy, res.Sell} {
		if leg.Side == "" {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO execution_legs (
				execution_id, venue, side, order_id, status,
				requested_amount, limit_price, filled_amount, avg_price, fee,
				cancel_requested, cancel_error, error
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			res.ID, leg.Venue, string(leg.Side), leg.OrderID, string(leg.Status),
			num(leg.RequestedAmount), num(leg.LimitPrice), num(leg.FilledAmount), num(leg.AvgPrice), num(leg.Fee),
			leg.CancelRequested, leg.CancelError, leg.Error,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert %s leg of %s: %w", leg.Side, res.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit execution %s: %w", res.ID, err)
	}
	return nil
}

// SaveResult implements domain.ResultSaver.
func (s *ExecutionStore) SaveResult(ctx context.Context, opp domain.Opportunity, res domain.ExecutionResult) error {
	return s.Create(ctx, opp, res)
}

func scanExecution(row pgx.Row) (domain.ExecutionResult, error) {
	var (
		r            domain.ExecutionResult
		kind, status string
	)
	err := row.Scan(
		&r.ID, &r.OpportunityID, &kind, &r.Strategy, &r.Symbol, &status, &r.Success,
		&r.ExpectedProfit, &r.RealizedProfit, &r.FeesPaid, &r.SlippagePct,
		&r.Unhedged, &r.Error, &r.StartedAt, &r.FinishedAt,
	)
	r.Kind = domain.OpportunityKind(kind)
	r.Status = domain.ExecutionStatus(status)
	return r, err
}

// GetByID returns one execution with its legs or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionResult, error) {
	r, err := scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionResult{}, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	results := []domain.ExecutionResult{r}
	if err := s.attachLegs(ctx, results); err != nil {
		return domain.ExecutionResult{}, err
	}
	return results[0], nil
}

// ListRecent returns executions newest first, legs included.
func (s *ExecutionStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionResult, error) {
	query, args := listQuery(`SELECT `+executionColumns+` FROM executions WHERE 1=1`, "started_at", opts, nil)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	var out []domain.ExecutionResult
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	if err := s.attachLegs(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachLegs loads the legs of every result in one query.
func (s *ExecutionStore) attachLegs(ctx context.Context, results []domain.ExecutionResult) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]string, len(results))
	index := make(map[string]int, len(results))
	for i, r := range results {
		ids[i] = r.ID
		index[r.ID] = i
	}

	rows, err := s.pool.Query(ctx, `SELECT `+legColumns+` FROM execution_legs WHERE execution_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("postgres: list execution legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			execID, side, status string
			leg                  domain.LegResult
		)
		if err := rows.Scan(
			&execID, &leg.Venue, &side, &leg.OrderID, &status,
			&leg.RequestedAmount, &leg.LimitPrice, &leg.FilledAmount, &leg.AvgPrice, &leg.Fee,
			&leg.CancelRequested, &leg.CancelError, &leg.Error,
		); err != nil {
			return fmt.Errorf("postgres: scan execution leg: %w", err)
		}
		leg.Side = domain.Side(side)
		leg.Status = domain.OrderStatus(status)
		i, ok := index[execID]
		if !ok {
			continue
		}
		switch leg.Side {
		case domain.SideBuy:
			results[i].Buy = leg
		case domain.SideSell:
			results[i].Sell = leg
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: list execution legs rows: %w", err)
	}
	return nil
}

// SumPnL totals realized profit of executions started at or after since.
func (s *ExecutionStore) SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_profit), 0)::text FROM executions WHERE started_at >= $1`, since,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum pnl: %w", err)
	}
	return total, nil
}

var (
	_ domain.ExecutionStore = (*ExecutionStore)(nil)
	_ domain.ResultSaver    = (*ExecutionStore)(nil)
)
