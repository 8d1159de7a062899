package cmga

import (
	"context"
	"fmt"

	"github.com/krishio/agrimesh/agent"
	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/investment"
	"github.com/krishio/agrimesh/pkg/timestamp"
	"github.com/krishio/agrimesh/portfolio"
)

// OptimizeRequest asks for a crop portfolio plan for one FPO.
type OptimizeRequest struct {
	FPOID       string                 `json:"fpo_id"`
	Season      string                 `json:"season,omitempty"`
	Location    string                 `json:"location,omitempty"`
	Constraints portfolio.Constraints  `json:"constraints"`
	Crops       []portfolio.CropOption `json:"crops"`
}

// OptimizeResponse is the portfolio plan plus provenance markers.
type OptimizeResponse struct {
	Portfolio   *portfolio.Portfolio `json:"portfolio"`
	Degraded    []string             `json:"degraded,omitempty"`
	FromCache   bool                 `json:"from_cache,omitempty"`
	GeneratedAt int64                `json:"generated_at"`
}

// portfolioEvent is broadcast after every fresh optimization.
type portfolioEvent struct {
	FPOID          string   `json:"fpo_id"`
	Season         string   `json:"season,omitempty"`
	CropCount      int      `json:"crop_count"`
	ExpectedReturn float64  `json:"expected_return"`
	PortfolioRisk  float64  `json:"portfolio_risk"`
	Degraded       []string `json:"degraded,omitempty"`
}

func (a *Agent) optimizePortfolio(ctx context.Context, req *agent.Request) (any, error) {
	var or OptimizeRequest
	if err := req.UnmarshalParams(&or); err != nil {
		return nil, errors.WrapInvalid(err, "CMGA", "optimizePortfolio", "decode params")
	}
	if or.FPOID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: fpo_id is required", errors.ErrValidationFailed),
			"CMGA", "optimizePortfolio", "validate request")
	}

	key := cacheKey(or.FPOID, or.Season, len(or.Crops))
	if cached, ok := a.cache.Get(key); ok {
		hit := *cached
		hit.FromCache = true
		return &hit, nil
	}

	names := make([]string, 0, len(or.Crops))
	for _, crop := range or.Crops {
		names = append(names, crop.Name)
	}
	data := a.gatherIntelligence(ctx, peerQuery{
		Crops:    names,
		Location: or.Location,
		Season:   or.Season,
	})

	plan, err := portfolio.Optimize(or.Constraints, or.Crops, data.market, data.climate, data.forecasts)
	if err != nil {
		return nil, err
	}

	resp := &OptimizeResponse{
		Portfolio:   plan,
		Degraded:    data.degraded,
		GeneratedAt: timestamp.Now(),
	}
	a.cache.Set(key, resp)

	a.storeResult(ctx, or.FPOID, map[string]any{
		"last_portfolio": map[string]any{
			"season":          or.Season,
			"crop_count":      len(plan.Allocations),
			"expected_return": plan.Metrics.ExpectedReturn,
			"portfolio_risk":  plan.Metrics.Risk,
			"unused_land":     plan.UnusedLand,
			"degraded":        data.degraded,
			"generated_at":    resp.GeneratedAt,
		},
	}, req.MessageID)

	if err := a.BroadcastEvent(ctx, portfolioEvent{
		FPOID:          or.FPOID,
		Season:         or.Season,
		CropCount:      len(plan.Allocations),
		ExpectedReturn: plan.Metrics.ExpectedReturn,
		PortfolioRisk:  plan.Metrics.Risk,
		Degraded:       data.degraded,
	}, envelope.PriorityNormal); err != nil {
		a.logger.Warn("failed to broadcast portfolio event",
			"fpo_id", or.FPOID, "error", err)
	}

	return resp, nil
}

// DistributeRequest asks for a profit split across FPO members.
type DistributeRequest struct {
	FPOID       string             `json:"fpo_id"`
	TotalProfit float64            `json:"total_profit"`
	MemberUnits map[string]float64 `json:"member_units"`
	Deductions  map[string]float64 `json:"deductions,omitempty"`

	// ReserveRate overrides the configured FPO reserve cut when non-nil.
	ReserveRate *float64 `json:"reserve_rate,omitempty"`
}

// DistributeResponse reports the reserve cut and per-member shares.
type DistributeResponse struct {
	FPOID         string                   `json:"fpo_id"`
	TotalProfit   float64                  `json:"total_profit"`
	ReserveRate   float64                  `json:"reserve_rate"`
	ReserveAmount float64                  `json:"reserve_amount"`
	Distributable float64                  `json:"distributable"`
	Shares        []investment.ProfitShare `json:"shares"`
}

func (a *Agent) distributeProfit(ctx context.Context, req *agent.Request) (any, error) {
	var dr DistributeRequest
	if err := req.UnmarshalParams(&dr); err != nil {
		return nil, errors.WrapInvalid(err, "CMGA", "distributeProfit", "decode params")
	}
	if dr.TotalProfit <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: total profit must be positive", errors.ErrValidationFailed),
			"CMGA", "distributeProfit", "validate request")
	}

	rate := a.settings.ReserveRate
	if dr.ReserveRate != nil {
		if *dr.ReserveRate < 0 || *dr.ReserveRate >= 1 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: reserve rate must be within [0,1)", errors.ErrValidationFailed),
				"CMGA", "distributeProfit", "validate request")
		}
		rate = *dr.ReserveRate
	}

	reserve := dr.TotalProfit * rate
	distributable := dr.TotalProfit - reserve

	shares, err := investment.DistributeProfit(distributable, dr.MemberUnits, dr.Deductions)
	if err != nil {
		return nil, err
	}

	resp := &DistributeResponse{
		FPOID:         dr.FPOID,
		TotalProfit:   dr.TotalProfit,
		ReserveRate:   rate,
		ReserveAmount: reserve,
		Distributable: distributable,
		Shares:        shares,
	}

	a.storeResult(ctx, dr.FPOID, map[string]any{
		"last_distribution": map[string]any{
			"total_profit":   dr.TotalProfit,
			"reserve_amount": reserve,
			"member_count":   len(shares),
		},
	}, req.MessageID)

	return resp, nil
}

// ScoreMembersRequest asks for investment units for a batch of FPO members.
type ScoreMembersRequest struct {
	FPOID   string                        `json:"fpo_id"`
	Weights *investment.Weights           `json:"weights,omitempty"`
	Members map[string]investment.Factors `json:"members"`
}

// MemberScore is one member's computed units, or the validation error that
// blocked them.
type MemberScore struct {
	Units     float64               `json:"units"`
	Breakdown *investment.Breakdown `json:"breakdown,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// ScoreMembersResponse maps member ids to their scores.
type ScoreMembersResponse struct {
	FPOID  string                 `json:"fpo_id"`
	Scores map[string]MemberScore `json:"scores"`
}

type memberScore struct {
	memberID string
	score    MemberScore
}

func (a *Agent) scoreMembers(ctx context.Context, req *agent.Request) (any, error) {
	var sr ScoreMembersRequest
	if err := req.UnmarshalParams(&sr); err != nil {
		return nil, errors.WrapInvalid(err, "CMGA", "scoreMembers", "decode params")
	}
	if len(sr.Members) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: members are required", errors.ErrValidationFailed),
			"CMGA", "scoreMembers", "validate request")
	}

	weights := investment.DefaultWeights()
	if sr.Weights != nil {
		weights = *sr.Weights
	}

	out := make(chan memberScore, len(sr.Members))
	submitted := 0
	for memberID, factors := range sr.Members {
		job := scoringJob{memberID: memberID, factors: factors, weights: weights, out: out}
		if err := a.pool.Submit(job); err != nil {
			// Full queue degrades to inline scoring rather than dropping
			// the member. A validation failure stays a per-member score
			// here just as it does on the pool path.
			_ = a.scoreMember(ctx, job)
		}
		submitted++
	}

	scores := make(map[string]MemberScore, submitted)
	for i := 0; i < submitted; i++ {
		select {
		case ms := <-out:
			scores[ms.memberID] = ms.score
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "CMGA", "scoreMembers", "await scoring")
		}
	}

	return &ScoreMembersResponse{FPOID: sr.FPOID, Scores: scores}, nil
}

// scoreMember is the worker pool processor for one member.
func (a *Agent) scoreMember(_ context.Context, job scoringJob) error {
	units, breakdown, err := a.calculator.CalculateUnits(job.factors, job.weights)
	score := MemberScore{Units: units, Breakdown: breakdown}
	if err != nil {
		score = MemberScore{Error: err.Error()}
	}
	job.out <- memberScore{memberID: job.memberID, score: score}
	return err
}

// SuggestWeightsRequest carries the FPO profile flags.
type SuggestWeightsRequest struct {
	Profile investment.FPOContext `json:"profile"`
}

func (a *Agent) suggestWeights(_ context.Context, req *agent.Request) (any, error) {
	var wr SuggestWeightsRequest
	if err := req.UnmarshalParams(&wr); err != nil {
		return nil, errors.WrapInvalid(err, "CMGA", "suggestWeights", "decode params")
	}
	return investment.SuggestWeights(wr.Profile), nil
}
