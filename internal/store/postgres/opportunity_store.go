package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore on pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const upsertOpportunitySQL = `
	INSERT INTO opportunities (
		id, kind, strategy, symbol, buy_venue, sell_venue,
		amount, buy_price, sell_price, spread_pct, fees_pct,
		estimated_fees, expected_profit, expected_profit_pct,
		risk_score, confidence, recommended_size, max_allowed_size,
		status, reasons, buy_quote_at, sell_quote_at, detected_at, valid_until, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11,
		$12, $13, $14,
		$15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24, $25
	)
	ON CONFLICT (id) DO UPDATE SET
		amount = EXCLUDED.amount,
		risk_score = EXCLUDED.risk_score,
		confidence = EXCLUDED.confidence,
		recommended_size = EXCLUDED.recommended_size,
		max_allowed_size = EXCLUDED.max_allowed_size,
		status = EXCLUDED.status,
		reasons = EXCLUDED.reasons,
		updated_at = EXCLUDED.updated_at`

const opportunityColumns = `
	id, kind, strategy, symbol, buy_venue, sell_venue,
	amount::text, buy_price::text, sell_price::text, spread_pct::text, fees_pct::text,
	estimated_fees::text, expected_profit::text, expected_profit_pct::text,
	risk_score, confidence, recommended_size::text, max_allowed_size::text,
	status, reasons, buy_quote_at, sell_quote_at, detected_at, valid_until, updated_at`

// Upsert inserts opp or updates its mutable fields.
func (s *OpportunityStore) Upsert(ctx context.Context, opp domain.Opportunity) error {
	return upsertOpportunity(ctx, s.pool, opp)
}

func upsertOpportunity(ctx context.Context, q querier, o domain.Opportunity) error {
	reasons := o.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("postgres: marshal reasons for %s: %w", o.ID, err)
	}
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = q.Exec(ctx, upsertOpportunitySQL,
		o.ID, string(o.Kind), o.Strategy, o.Symbol, o.BuyVenue, o.SellVenue,
		num(o.Amount), num(o.BuyPrice), num(o.SellPrice), num(o.SpreadPct), num(o.FeesPct),
		num(o.EstimatedFees), num(o.ExpectedProfit), num(o.ExpectedProfitPct),
		o.RiskScore, o.Confidence, num(o.RecommendedSize), num(o.MaxAllowedSize),
		string(o.Status), reasonsJSON, nullTime(o.BuyQuoteAt), nullTime(o.SellQuoteAt),
		o.DetectedAt, o.ValidUntil, updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert opportunity %s: %w", o.ID, err)
	}
	return nil
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var (
		o                       domain.Opportunity
		kind, status            string
		reasonsJSON             []byte
		buyQuoteAt, sellQuoteAt *time.Time
	)
	err := row.Scan(
		&o.ID, &kind, &o.Strategy, &o.Symbol, &o.BuyVenue, &o.SellVenue,
		&o.Amount, &o.BuyPrice, &o.SellPrice, &o.SpreadPct, &o.FeesPct,
		&o.EstimatedFees, &o.ExpectedProfit, &o.ExpectedProfitPct,
		&o.RiskScore, &o.Confidence, &o.RecommendedSize, &o.MaxAllowedSize,
		&status, &reasonsJSON, &buyQuoteAt, &sellQuoteAt, &o.DetectedAt, &o.ValidUntil, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Opportunity{}, err
	}
	o.Kind = domain.OpportunityKind(kind)
	o.Status = domain.OpportunityStatus(status)
	o.BuyQuoteAt = derefTime(buyQuoteAt)
	o.SellQuoteAt = derefTime(sellQuoteAt)
	if len(reasonsJSON) > 0 {
		if err := json.Unmarshal(reasonsJSON, &o.Reasons); err != nil {
			return domain.Opportunity{}, fmt.Errorf("unmarshal reasons: %w", err)
		}
		if len(o.Reasons) == 0 {
			o.Reasons = nil
		}
	}
	return o, nil
}

// GetByID returns one opportunity or domain.ErrNotFound.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.Opportunity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Opportunity{}, fmt.Errorf("postgres: opportunity %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return o, nil
}

// ListRecent returns opportunities newest first.
func (s *OpportunityStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	query, args := listQuery(`SELECT `+opportunityColumns+` FROM opportunities WHERE 1=1`, "detected_at", opts, nil)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities rows: %w", err)
	}
	return out, nil
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
