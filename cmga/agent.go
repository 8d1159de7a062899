// Package cmga implements the collective governance agent. It plans crop
// portfolios for FPOs by gathering market, climate and yield intelligence
// from peer agents, running the portfolio optimizer, and distributing
// collective profit through investment units.
package cmga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/krishio/agrimesh/agent"
	"github.com/krishio/agrimesh/config"
	"github.com/krishio/agrimesh/contextstore"
	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/investment"
	"github.com/krishio/agrimesh/metric"
	"github.com/krishio/agrimesh/pkg/cache"
	"github.com/krishio/agrimesh/pkg/worker"
)

const (
	opOptimizePortfolio = "optimize_portfolio"
	opDistributeProfit  = "distribute_profit"
	opScoreMembers      = "score_members"
	opSuggestWeights    = "suggest_weights"

	defaultDependencyTimeout = 5 * time.Second
	defaultCacheTTL          = 5 * time.Minute
	defaultScoringWorkers    = 4

	// reserveRate is the FPO reserve fund cut taken before member payouts.
	defaultReserveRate = 0.12

	agentVersion = "1.0.0"
)

// Settings are the cmga-specific knobs read from the agent config block.
type Settings struct {
	DependencyTimeout time.Duration
	CacheTTL          time.Duration
	ScoringWorkers    int
	ReserveRate       float64
}

func settingsFrom(cfg config.AgentConfig) Settings {
	s := Settings{
		DependencyTimeout: defaultDependencyTimeout,
		CacheTTL:          defaultCacheTTL,
		ScoringWorkers:    defaultScoringWorkers,
		ReserveRate:       defaultReserveRate,
	}
	if v, ok := cfg.Settings["dependency_timeout_seconds"].(float64); ok && v > 0 {
		s.DependencyTimeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := cfg.Settings["cache_ttl_seconds"].(float64); ok && v > 0 {
		s.CacheTTL = time.Duration(v * float64(time.Second))
	}
	if v, ok := cfg.Settings["scoring_workers"].(float64); ok && v > 0 {
		s.ScoringWorkers = int(v)
	}
	if v, ok := cfg.Settings["reserve_rate"].(float64); ok && v >= 0 && v < 1 {
		s.ReserveRate = v
	}
	return s
}

type scoringJob struct {
	memberID string
	factors  investment.Factors
	weights  investment.Weights
	out      chan<- memberScore
}

// Agent is the collective governance agent.
type Agent struct {
	*agent.BaseAgent

	settings   Settings
	calculator *investment.Calculator
	cache      *cache.TTL[*OptimizeResponse]
	pool       *worker.Pool[scoringJob]
	logger     *slog.Logger
}

// New builds the agent, registers its capabilities and wires the response
// cache and the member-scoring worker pool.
func New(
	bus agent.Bus,
	store agent.ContextStore,
	cfg config.AgentConfig,
	logger *slog.Logger,
	metrics *metric.Metrics,
	registry *metric.MetricsRegistry,
) (*Agent, error) {
	base, err := agent.NewBaseAgent(envelope.AgentCollectiveGovernance, bus, store, logger,
		agent.WithMetrics(metrics),
		agent.WithConfig(cfg),
		agent.WithVersion(agentVersion),
		agent.WithTags("portfolio-planning", "profit-distribution", "member-scoring"),
		agent.WithDependencies(
			envelope.AgentMarketIntelligence,
			envelope.AgentClimateResource,
			envelope.AgentGeoAgronomy,
		),
	)
	if err != nil {
		return nil, err
	}

	settings := settingsFrom(cfg)
	a := &Agent{
		BaseAgent:  base,
		settings:   settings,
		calculator: investment.NewCalculator(),
		logger:     base.Logger(),
	}
	a.cache = cache.NewTTL[*OptimizeResponse](context.Background(), settings.CacheTTL, settings.CacheTTL/2)

	var poolOpts []worker.Option[scoringJob]
	if registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[scoringJob](registry, "cmga_scoring"))
	}
	a.pool = worker.NewPool(settings.ScoringWorkers, 256, a.scoreMember, poolOpts...)

	caps := []agent.Capability{
		{
			Operation:    opOptimizePortfolio,
			Description:  "plan a diversified crop portfolio for an FPO",
			InputSchema:  "OptimizeRequest",
			OutputSchema: "OptimizeResponse",
			Handler:      a.optimizePortfolio,
		},
		{
			Operation:    opDistributeProfit,
			Description:  "split collective profit by investment units",
			InputSchema:  "DistributeRequest",
			OutputSchema: "DistributeResponse",
			Handler:      a.distributeProfit,
		},
		{
			Operation:    opScoreMembers,
			Description:  "compute investment units for a batch of members",
			InputSchema:  "ScoreMembersRequest",
			OutputSchema: "ScoreMembersResponse",
			Handler:      a.scoreMembers,
		},
		{
			Operation:    opSuggestWeights,
			Description:  "suggest unit weights for an FPO profile",
			InputSchema:  "SuggestWeightsRequest",
			OutputSchema: "Weights",
			Handler:      a.suggestWeights,
		},
	}
	for _, c := range caps {
		if err := a.RegisterCapability(c); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Start brings up the scoring pool and then the base agent loop.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return errors.WrapTransient(err, "CMGA", "Start", "start scoring pool")
	}
	return a.BaseAgent.Start(ctx)
}

// Stop drains the subscribe loop, then the scoring pool and the cache.
func (a *Agent) Stop(timeout time.Duration) error {
	err := a.BaseAgent.Stop(timeout)
	if poolErr := a.pool.Stop(timeout); poolErr != nil && err == nil {
		err = errors.WrapTransient(poolErr, "CMGA", "Stop", "stop scoring pool")
	}
	a.cache.Close()
	return err
}

// CacheStats exposes response cache counters for diagnostics.
func (a *Agent) CacheStats() cache.Stats {
	return a.cache.Stats()
}

func cacheKey(fpoID string, season string, cropCount int) string {
	return fmt.Sprintf("portfolio:%s:%s:%d", fpoID, season, cropCount)
}

func (a *Agent) storeResult(ctx context.Context, fpoID string, data map[string]any, messageID string) {
	if fpoID == "" {
		return
	}
	ref := contextstore.EntityRef{Kind: contextstore.KindFPO, ID: fpoID}
	if err := a.UpdateContext(ctx, ref, data, messageID); err != nil {
		a.logger.Warn("failed to persist result to context store",
			"fpo_id", fpoID, "error", err)
	}
}
