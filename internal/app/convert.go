package app

import (
	"github.com/alanyoungcy/smartarb/internal/config"
	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/executor"
	"github.com/alanyoungcy/smartarb/internal/feed"
	"github.com/alanyoungcy/smartarb/internal/risk"
	"github.com/alanyoungcy/smartarb/internal/scanner"
	"github.com/alanyoungcy/smartarb/internal/server"
	"github.com/alanyoungcy/smartarb/internal/strategy"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func scannerConfig(c config.ScannerConfig, strategyName string) scanner.Config {
	return scanner.Config{
		Strategy:            strategyName,
		MinSpreadPct:        dec(c.MinSpreadPct),
		FetchTimeout:        c.FetchTimeout.Duration,
		MaxQuoteAge:         c.MaxQuoteAge.Duration,
		OpportunityTTL:      c.OpportunityTTL.Duration,
		DefaultTakerFee:     dec(c.DefaultTakerFee),
		FeeCacheTTL:         c.FeeCacheTTL.Duration,
		VolumeFraction:      dec(c.VolumeFraction),
		DepthFraction:       dec(c.DepthFraction),
		MinTradeNotional:    dec(c.MinTradeNotional),
		MaxTradeNotional:    dec(c.MaxTradeNotional),
		VolumeScoreNotional: dec(c.VolumeScoreNotional),
		ConfidenceThreshold: c.ConfidenceThreshold,
		MaxResults:          c.MaxResults,
		UseOrderBook:        c.UseOrderBook,
		BookDepth:           c.BookDepth,
		BookPriceBandPct:    dec(c.BookPriceBandPct),
		MaxDegradationPct:   dec(c.MaxDegradationPct),
	}
}

func riskConfig(c config.RiskConfig) risk.Config {
	rc := risk.DefaultConfig()
	rc.MaxPositionSize = dec(c.MaxPositionSize)
	rc.MaxTotalExposure = dec(c.MaxTotalExposure)
	rc.MaxDailyLoss = dec(c.MaxDailyLoss)
	rc.MaxDailyTrades = c.MaxDailyTrades
	rc.MaxDailyVolume = dec(c.MaxDailyVolume)
	rc.MaxOpenPositions = c.MaxOpenPositions
	rc.MaxSymbolConcentration = dec(c.MaxSymbolConcentration)
	rc.MinProfitPct = dec(c.MinProfitPct)
	rc.MinConfidence = c.MinConfidence
	rc.MinTradeSize = dec(c.MinTradeSize)
	rc.MaxOpportunityAge = c.MaxOpportunityAge.Duration
	rc.ReliabilityWarn = c.ReliabilityWarn
	rc.ReliabilityVeto = c.ReliabilityVeto
	rc.BreakerLossThreshold = dec(c.BreakerLossThreshold)
	rc.BreakerCooldown = c.BreakerCooldown.Duration
	rc.KellyMaxFraction = c.KellyMaxFraction
	rc.KellyMinTrades = c.KellyMinTrades
	rc.BalanceBuffer = dec(c.BalanceBuffer)
	return rc
}

func executorConfig(c config.ExecutionConfig) executor.Config {
	return executor.Config{
		Timeout:      c.Timeout.Duration,
		PollInterval: c.PollInterval.Duration,
		CancelGrace:  c.CancelGrace.Duration,
		OrderType:    domain.OrderType(c.OrderType),
	}
}

// scanPairs resolves the configured venue pairs. An empty list with
// all_pairs set means every ordered pair of the known venues.
func scanPairs(c config.ScannerConfig, all []domain.VenuePair) []domain.VenuePair {
	if len(c.Pairs) == 0 && c.AllPairs {
		return all
	}
	out := make([]domain.VenuePair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		out = append(out, domain.VenuePair{Buy: p.Buy, Sell: p.Sell})
	}
	return out
}

func strategyConfig(cfg *config.Config, pairs []domain.VenuePair, monitorOnly bool) strategy.Config {
	sc := cfg.Strategy
	return strategy.Config{
		Name:        sc.Name,
		Symbols:     cfg.Scanner.Symbols,
		Pairs:       pairs,
		Interval:    sc.Interval.Duration,
		MaxInFlight: sc.MaxInFlight,
		Cooldown:    sc.Cooldown.Duration,
		RecentLimit: sc.RecentLimit,
		Revalidate:  sc.Revalidate,
		LockTTL:     sc.LockTTL.Duration,
		Portfolio:   domain.PortfolioState{Equity: dec(cfg.Risk.Equity)},
		MonitorOnly: monitorOnly,
	}
}

func feedConfig(cfg *config.Config) feed.Config {
	return feed.Config{
		URL:            cfg.Feed.URL,
		Channels:       cfg.Feed.Channels,
		Symbols:        cfg.Scanner.Symbols,
		ReconnectDelay: cfg.Feed.ReconnectDelay.Duration,
	}
}

func serverConfig(c config.ServerConfig) server.Config {
	return server.Config{
		Port:        c.Port,
		CORSOrigins: c.CORSOrigins,
		AuthToken:   c.AuthToken,
		RatePerMin:  c.RatePerMin,
	}
}
