package scanner

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Revalidate re-reads both quotes just before execution. It fails with
// domain.ErrValidation when a venue is unreadable, a quote went stale, or the
// spread fell by more than the configured degradation from detection.
func (s *Scanner) Revalidate(ctx context.Context, opp domain.Opportunity) error {
	buyEx, okB := s.venues[opp.BuyVenue]
	sellEx, okS := s.venues[opp.SellVenue]
	if !okB || !okS {
		return fmt.Errorf("scanner: revalidate %s: %w: %w", opp.ID, domain.ErrUnknownVenue, domain.ErrValidation)
	}

	var buyT, sellT domain.Ticker
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, s.cfg.FetchTimeout)
		defer cancel()
		t, err := buyEx.GetTicker(fctx, opp.Symbol)
		buyT = t
		return err
	})
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, s.cfg.FetchTimeout)
		defer cancel()
		t, err := sellEx.GetTicker(fctx, opp.Symbol)
		sellT = t
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("scanner: revalidate %s: %v: %w", opp.ID, err, domain.ErrValidation)
	}

	now := s.now()
	if !buyT.Valid() || !sellT.Valid() {
		return fmt.Errorf("scanner: revalidate %s: invalid quote: %w", opp.ID, domain.ErrValidation)
	}
	if nonNegative(buyT.Age(now)) > s.cfg.MaxQuoteAge || nonNegative(sellT.Age(now)) > s.cfg.MaxQuoteAge {
		return fmt.Errorf("scanner: revalidate %s: stale quote: %w", opp.ID, domain.ErrValidation)
	}

	current := sellT.Bid.Sub(buyT.Ask).Div(buyT.Ask).Mul(hundred)
	if !current.IsPositive() {
		return fmt.Errorf("scanner: revalidate %s: spread closed (%s%%): %w", opp.ID, current.StringFixed(4), domain.ErrValidation)
	}
	floor := opp.SpreadPct.Mul(decimal.NewFromInt(1).Sub(s.cfg.MaxDegradationPct.Div(hundred)))
	if current.LessThan(floor) {
		return fmt.Errorf("scanner: revalidate %s: spread degraded %s%% -> %s%%: %w",
			opp.ID, opp.SpreadPct.StringFixed(4), current.StringFixed(4), domain.ErrValidation)
	}
	return nil
}
