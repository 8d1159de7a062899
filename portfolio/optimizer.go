package portfolio

import (
	"fmt"
	"math"
	"sort"

	"github.com/krishio/agrimesh/errors"
)

const (
	// RiskFreeRate anchors the Sharpe-like ranking score.
	RiskFreeRate = 0.05

	// Fallbacks applied when a crop has no market or climate signal.
	fallbackVolatility  = 0.2
	fallbackClimateRisk = 0.5

	// Risk blend weights.
	riskWeightVolatility = 0.4
	riskWeightYield      = 0.4
	riskWeightClimate    = 0.2

	// Allocation knobs.
	firstPassLandCap  = 0.4 // share of remaining land per crop, pass 1
	secondPassLandCap = 0.3 // share of remaining land per crop, later sweeps
	minPlotArea       = 0.1 // hectares; smaller plots are not worth sowing
	leftoverThreshold = 0.5 // hectares; below this, remaining land is left fallow
)

// cropScore holds per-crop derived figures used during allocation.
type cropScore struct {
	index       int
	expected    float64
	risk        float64
	sharpeScore float64
}

// remaining tracks undrawn resources during the greedy walk.
type remaining struct {
	land   float64
	water  float64
	labor  float64
	budget float64
}

// Optimize produces a diversified crop allocation under the given
// constraints. Crops with zero AvgYield or zero CultivationCost are caller
// input errors and are rejected up front.
func Optimize(
	constraints Constraints,
	crops []CropOption,
	market map[string]MarketData,
	climate map[string]ClimateData,
	forecasts map[string]YieldForecast,
) (*Portfolio, error) {
	if err := validate(constraints, crops); err != nil {
		return nil, err
	}
	if len(crops) == 0 {
		return &Portfolio{UnusedLand: constraints.TotalLand}, nil
	}

	scores := scoreCrops(crops, market, climate, forecasts)
	corr := correlationMatrix(crops, market)
	allocations := allocate(constraints, crops, scores)

	return buildPortfolio(constraints, crops, scores, corr, allocations), nil
}

func validate(constraints Constraints, crops []CropOption) error {
	if constraints.TotalLand <= 0 {
		return errors.WrapInvalid(errors.ErrValidationFailed,
			"Optimizer", "Optimize", "total land must be positive")
	}
	if constraints.MinCropDiversity < 0 {
		return errors.WrapInvalid(errors.ErrValidationFailed,
			"Optimizer", "Optimize", "min crop diversity cannot be negative")
	}
	if constraints.MaxCropDiversity > 0 && constraints.MaxCropDiversity < constraints.MinCropDiversity {
		return errors.WrapInvalid(errors.ErrValidationFailed,
			"Optimizer", "Optimize", "max crop diversity below minimum")
	}
	for _, crop := range crops {
		if crop.AvgYield <= 0 || crop.CultivationCost <= 0 {
			return errors.WrapInvalid(errors.ErrValidationFailed,
				"Optimizer", "Optimize",
				fmt.Sprintf("crop %s needs positive yield and cultivation cost", crop.Name))
		}
	}
	return nil
}

// scoreCrops computes expected return, risk, and the Sharpe-like ranking
// score for every crop, applying forecast data where present and historical
// averages where not.
func scoreCrops(
	crops []CropOption,
	market map[string]MarketData,
	climate map[string]ClimateData,
	forecasts map[string]YieldForecast,
) []cropScore {
	scores := make([]cropScore, len(crops))
	for i, crop := range crops {
		yield := crop.AvgYield
		if f, ok := forecasts[crop.Name]; ok && f.PredictedYield > 0 {
			yield = f.PredictedYield
		}

		price := crop.AvgPrice
		md, hasMarket := market[crop.Name]
		if hasMarket && md.PredictedPrice > 0 {
			price = md.PredictedPrice
		}

		expected := (yield*price - crop.CultivationCost) / crop.CultivationCost

		volatility := fallbackVolatility
		if hasMarket && md.PriceVolatility > 0 {
			volatility = md.PriceVolatility
		}
		climateRisk := fallbackClimateRisk
		if cd, ok := climate[crop.Name]; ok {
			climateRisk = cd.RiskScore
		}

		risk := riskWeightVolatility*volatility +
			riskWeightYield*(crop.YieldStdDev/crop.AvgYield) +
			riskWeightClimate*climateRisk

		sharpeScore := 0.0
		if risk > 0 {
			sharpeScore = (expected - RiskFreeRate) / risk
		}

		scores[i] = cropScore{index: i, expected: expected, risk: risk, sharpeScore: sharpeScore}
	}
	return scores
}

// allocate runs the greedy allocation: a diversity-seeking first pass, then
// top-up sweeps over the ranking until land converges below the leftover
// threshold or no crop can absorb more.
func allocate(constraints Constraints, crops []CropOption, scores []cropScore) map[int]float64 {
	ranked := make([]cropScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].sharpeScore > ranked[j].sharpeScore
	})

	rem := remaining{
		land:   constraints.TotalLand,
		water:  constraints.TotalWater,
		labor:  constraints.TotalLabor,
		budget: constraints.TotalBudget,
	}
	allocations := make(map[int]float64)

	minDiversity := constraints.MinCropDiversity
	if minDiversity < 1 {
		minDiversity = 1
	}

	// Pass 1: spread across the top of the ranking until the diversity
	// floor is met. The equal-share cap keeps the best crop from eating
	// the land the floor reserves for the others.
	for _, score := range ranked {
		if len(allocations) >= minDiversity {
			break
		}
		area := math.Min(firstPassLandCap*rem.land, resourceMaxLand(crops[score.index], rem))
		area = math.Min(area, rem.land/float64(minDiversity))
		if area < minPlotArea {
			continue
		}
		draw(&rem, crops[score.index], area)
		allocations[score.index] = area
	}

	// Top-up sweeps: push remaining land into unallocated crops down the
	// ranking. A sweep with no progress means every candidate is blocked
	// on some resource, so remaining land stays fallow.
	for rem.land > leftoverThreshold {
		progressed := false
		for _, score := range ranked {
			if rem.land <= leftoverThreshold {
				break
			}
			if _, taken := allocations[score.index]; taken {
				continue
			}
			if constraints.MaxCropDiversity > 0 && len(allocations) >= constraints.MaxCropDiversity {
				break
			}
			area := math.Min(secondPassLandCap*rem.land, resourceMaxLand(crops[score.index], rem))
			area = math.Min(area, rem.land)
			if area < minPlotArea {
				continue
			}
			draw(&rem, crops[score.index], area)
			allocations[score.index] = area
			progressed = true
		}
		if !progressed {
			break
		}
	}

	return allocations
}

// resourceMaxLand converts remaining water, labor, and budget into the
// largest area this crop could still be grown on.
func resourceMaxLand(crop CropOption, rem remaining) float64 {
	maxLand := rem.land
	if crop.WaterRequirement > 0 {
		maxLand = math.Min(maxLand, rem.water/crop.WaterRequirement)
	}
	if crop.LaborDays > 0 {
		maxLand = math.Min(maxLand, rem.labor/crop.LaborDays)
	}
	if crop.CultivationCost > 0 {
		maxLand = math.Min(maxLand, rem.budget/crop.CultivationCost)
	}
	return maxLand
}

func draw(rem *remaining, crop CropOption, area float64) {
	rem.land -= area
	rem.water -= area * crop.WaterRequirement
	rem.labor -= area * crop.LaborDays
	rem.budget -= area * crop.CultivationCost
}

// buildPortfolio assembles allocations plus the portfolio-level metrics.
func buildPortfolio(
	constraints Constraints,
	crops []CropOption,
	scores []cropScore,
	corr [][]float64,
	allocated map[int]float64,
) *Portfolio {
	indices := make([]int, 0, len(allocated))
	for idx := range allocated {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var totalLand, totalWater, totalLabor, totalCost float64
	allocations := make([]Allocation, 0, len(indices))
	for _, idx := range indices {
		area := allocated[idx]
		crop := crops[idx]
		allocations = append(allocations, Allocation{
			CropName:       crop.Name,
			LandArea:       area,
			ExpectedReturn: scores[idx].expected,
			Risk:           scores[idx].risk,
			WaterNeeded:    area * crop.WaterRequirement,
			LaborNeeded:    area * crop.LaborDays,
			CostRequired:   area * crop.CultivationCost,
		})
		totalLand += area
		totalWater += area * crop.WaterRequirement
		totalLabor += area * crop.LaborDays
		totalCost += area * crop.CultivationCost
	}

	portfolio := &Portfolio{
		Allocations: allocations,
		UnusedLand:  constraints.TotalLand - totalLand,
		Utilization: Utilization{
			Land:   percentage(totalLand, constraints.TotalLand),
			Water:  percentage(totalWater, constraints.TotalWater),
			Labor:  percentage(totalLabor, constraints.TotalLabor),
			Budget: percentage(totalCost, constraints.TotalBudget),
		},
	}

	if totalLand == 0 {
		return portfolio
	}

	var expectedReturn, variance, herfindahl float64
	for _, idxI := range indices {
		wI := allocated[idxI] / totalLand
		expectedReturn += wI * scores[idxI].expected
		herfindahl += wI * wI
		for _, idxJ := range indices {
			wJ := allocated[idxJ] / totalLand
			variance += wI * wJ * scores[idxI].risk * scores[idxJ].risk * corr[idxI][idxJ]
		}
	}
	risk := math.Sqrt(math.Max(variance, 0))

	sharpe := 0.0
	if risk > 0 {
		sharpe = (expectedReturn - RiskFreeRate) / risk
	}

	diversification := 0.0
	if n := len(indices); n > 1 {
		diversification = (1 - herfindahl) / (1 - 1/float64(n))
	}

	portfolio.Metrics = Metrics{
		ExpectedReturn:       expectedReturn,
		Risk:                 risk,
		SharpeRatio:          sharpe,
		DiversificationIndex: diversification,
	}
	return portfolio
}

func percentage(used, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return used / total * 100
}
