package cmga

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/portfolio"
)

// Peer operations this agent depends on.
const (
	opPriceForecast = "price_forecast"
	opClimateRisk   = "climate_risk"
	opYieldForecast = "yield_forecast"
)

// peerQuery is the request payload sent to every data dependency.
type peerQuery struct {
	Crops    []string `json:"crops"`
	Location string   `json:"location,omitempty"`
	Season   string   `json:"season,omitempty"`
}

// gathered holds whatever intelligence arrived before the deadline. Missing
// sections stay nil and the optimizer substitutes its documented fallbacks.
type gathered struct {
	market    map[string]portfolio.MarketData
	climate   map[string]portfolio.ClimateData
	forecasts map[string]portfolio.YieldForecast
	degraded  []string
}

// gatherIntelligence queries the market, climate and geo-agronomy agents in
// parallel, each under its own timeout. A slow or failing peer degrades that
// section instead of failing the whole optimization.
func (a *Agent) gatherIntelligence(ctx context.Context, query peerQuery) gathered {
	var out gathered

	g, gctx := errgroup.WithContext(ctx)

	var marketErr, climateErr, yieldErr error
	g.Go(func() error {
		marketErr = a.queryPeer(gctx, envelope.AgentMarketIntelligence, opPriceForecast, query, &out.market)
		return nil
	})
	g.Go(func() error {
		climateErr = a.queryPeer(gctx, envelope.AgentClimateResource, opClimateRisk, query, &out.climate)
		return nil
	})
	g.Go(func() error {
		yieldErr = a.queryPeer(gctx, envelope.AgentGeoAgronomy, opYieldForecast, query, &out.forecasts)
		return nil
	})
	_ = g.Wait()

	if marketErr != nil {
		out.market = nil
		out.degraded = append(out.degraded, "market_data")
		a.logger.Warn("market intelligence unavailable, using volatility fallback",
			"error", marketErr)
	}
	if climateErr != nil {
		out.climate = nil
		out.degraded = append(out.degraded, "climate_data")
		a.logger.Warn("climate data unavailable, using neutral risk fallback",
			"error", climateErr)
	}
	if yieldErr != nil {
		out.forecasts = nil
		out.degraded = append(out.degraded, "yield_forecasts")
		a.logger.Warn("yield forecasts unavailable, using historical averages",
			"error", yieldErr)
	}
	return out
}

// queryPeer performs one request/reply round trip under the dependency
// timeout and decodes the result data into dest.
func (a *Agent) queryPeer(ctx context.Context, target envelope.AgentType, operation string, query peerQuery, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, a.settings.DependencyTimeout)
	defer cancel()

	started := time.Now()
	result, err := a.RequestFromAgent(ctx, target, operation, query, a.settings.DependencyTimeout)
	if err != nil {
		return err
	}
	if err := result.Decode(dest); err != nil {
		return err
	}
	a.logger.Debug("dependency answered",
		"peer", string(target), "operation", operation,
		"took_ms", time.Since(started).Milliseconds())
	return nil
}
