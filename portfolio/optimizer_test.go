package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishio/agrimesh/errors"
)

func testCrop(name string, overrides func(*CropOption)) CropOption {
	crop := CropOption{
		Name:             name,
		Family:           "poaceae",
		Season:           "rabi",
		AvgYield:         40,
		YieldStdDev:      4,
		AvgPrice:         2000,
		CultivationCost:  30000,
		WaterRequirement: 4000,
		LaborDays:        40,
		GrowingDuration:  120,
	}
	if overrides != nil {
		overrides(&crop)
	}
	return crop
}

func testConstraints() Constraints {
	return Constraints{
		TotalLand:        10,
		TotalWater:       100000,
		TotalLabor:       500,
		TotalBudget:      500000,
		MinCropDiversity: 2,
	}
}

func TestOptimizeValidation(t *testing.T) {
	crops := []CropOption{testCrop("wheat", nil)}

	_, err := Optimize(Constraints{TotalLand: 0}, crops, nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = Optimize(Constraints{TotalLand: 10, MinCropDiversity: -1}, crops, nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = Optimize(Constraints{TotalLand: 10, MinCropDiversity: 3, MaxCropDiversity: 2}, crops, nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	bad := []CropOption{testCrop("broken", func(c *CropOption) { c.AvgYield = 0 })}
	_, err = Optimize(testConstraints(), bad, nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
}

func TestOptimizeEmptyCrops(t *testing.T) {
	p, err := Optimize(testConstraints(), nil, nil, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, p.Allocations)
	assert.Zero(t, p.Metrics.ExpectedReturn)
	assert.Zero(t, p.Metrics.Risk)
	assert.Equal(t, 10.0, p.UnusedLand)
}

func TestDiversityFloorWithEqualScores(t *testing.T) {
	// Two identical crops: either alone could absorb the land, but the
	// diversity floor of 2 must force allocation to both.
	crops := []CropOption{testCrop("wheat", nil), testCrop("barley", nil)}

	p, err := Optimize(testConstraints(), crops, nil, nil, nil)
	require.NoError(t, err)

	require.Len(t, p.Allocations, 2)
	for _, alloc := range p.Allocations {
		assert.GreaterOrEqual(t, alloc.LandArea, 0.1)
	}
	assert.Positive(t, p.Metrics.DiversificationIndex)
}

func TestResourceBoundsRespected(t *testing.T) {
	crops := []CropOption{
		testCrop("wheat", nil),
		testCrop("gram", func(c *CropOption) {
			c.Family = "legume"
			c.AvgPrice = 4800
			c.AvgYield = 12
			c.CultivationCost = 25000
			c.WaterRequirement = 2500
			c.LaborDays = 35
		}),
		testCrop("onion", func(c *CropOption) {
			c.Family = "amaryllidaceae"
			c.AvgPrice = 1500
			c.AvgYield = 250
			c.CultivationCost = 80000
			c.WaterRequirement = 5500
			c.LaborDays = 120
		}),
	}
	constraints := testConstraints()

	p, err := Optimize(constraints, crops, nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, p.Allocations)

	var land, water, labor, budget float64
	for _, alloc := range p.Allocations {
		land += alloc.LandArea
		water += alloc.WaterNeeded
		labor += alloc.LaborNeeded
		budget += alloc.CostRequired
	}
	assert.LessOrEqual(t, land, constraints.TotalLand+1e-9)
	assert.LessOrEqual(t, water, constraints.TotalWater+1e-9)
	assert.LessOrEqual(t, labor, constraints.TotalLabor+1e-9)
	assert.LessOrEqual(t, budget, constraints.TotalBudget+1e-9)

	assert.LessOrEqual(t, p.Utilization.Land, 100.0+1e-9)
	assert.InDelta(t, land/constraints.TotalLand*100, p.Utilization.Land, 1e-9)
}

func TestForecastsOverrideHistoricalAverages(t *testing.T) {
	crops := []CropOption{testCrop("wheat", nil), testCrop("barley", nil)}

	market := map[string]MarketData{
		"wheat": {PredictedPrice: 4000, PriceVolatility: 0.1},
	}
	forecasts := map[string]YieldForecast{
		"wheat": {PredictedYield: 50},
	}

	p, err := Optimize(testConstraints(), crops, market, nil, forecasts)
	require.NoError(t, err)
	require.Len(t, p.Allocations, 2)

	byName := make(map[string]Allocation)
	for _, alloc := range p.Allocations {
		byName[alloc.CropName] = alloc
	}

	// wheat: (50*4000 - 30000)/30000; barley falls back to averages.
	assert.InDelta(t, (50*4000.0-30000)/30000, byName["wheat"].ExpectedReturn, 1e-9)
	assert.InDelta(t, (40*2000.0-30000)/30000, byName["barley"].ExpectedReturn, 1e-9)

	// barley risk uses both fallbacks: 0.4*0.2 + 0.4*(4/40) + 0.2*0.5.
	assert.InDelta(t, 0.4*0.2+0.4*0.1+0.2*0.5, byName["barley"].Risk, 1e-9)
	// wheat got real volatility but still the climate fallback.
	assert.InDelta(t, 0.4*0.1+0.4*0.1+0.2*0.5, byName["wheat"].Risk, 1e-9)
}

func TestClimateRiskShiftsRanking(t *testing.T) {
	crops := []CropOption{testCrop("safe", nil), testCrop("risky", nil)}
	climate := map[string]ClimateData{
		"safe":  {RiskScore: 0.05},
		"risky": {RiskScore: 0.95},
	}

	p, err := Optimize(testConstraints(), crops, nil, climate, nil)
	require.NoError(t, err)
	require.Len(t, p.Allocations, 2)

	byName := make(map[string]Allocation)
	for _, alloc := range p.Allocations {
		byName[alloc.CropName] = alloc
	}
	assert.Greater(t, byName["safe"].LandArea, byName["risky"].LandArea,
		"lower climate risk ranks first and draws land first")
}

func TestDiversificationIndexProperties(t *testing.T) {
	scores := []cropScore{{index: 0, risk: 0.3, expected: 0.4}, {index: 1, risk: 0.3, expected: 0.4}}
	crops := []CropOption{testCrop("a", nil), testCrop("b", nil)}
	corr := [][]float64{{1, 0.5}, {0.5, 1}}
	constraints := testConstraints()

	single := buildPortfolio(constraints, crops, scores, corr, map[int]float64{0: 5})
	assert.Zero(t, single.Metrics.DiversificationIndex, "single crop is undiversified")

	even := buildPortfolio(constraints, crops, scores, corr, map[int]float64{0: 5, 1: 5})
	skewed := buildPortfolio(constraints, crops, scores, corr, map[int]float64{0: 9, 1: 1})

	assert.Greater(t, even.Metrics.DiversificationIndex, skewed.Metrics.DiversificationIndex)
	assert.InDelta(t, 1.0, even.Metrics.DiversificationIndex, 1e-9, "even two-way split maxes the index")
}

func TestPortfolioRiskUsesCorrelation(t *testing.T) {
	scores := []cropScore{{index: 0, risk: 0.4, expected: 0.5}, {index: 1, risk: 0.4, expected: 0.5}}
	crops := []CropOption{testCrop("a", nil), testCrop("b", nil)}
	constraints := testConstraints()
	split := map[int]float64{0: 5, 1: 5}

	correlated := buildPortfolio(constraints, crops, scores, [][]float64{{1, 1}, {1, 1}}, split)
	independent := buildPortfolio(constraints, crops, scores, [][]float64{{1, 0}, {0, 1}}, split)

	assert.InDelta(t, 0.4, correlated.Metrics.Risk, 1e-9, "perfect correlation keeps full risk")
	assert.Less(t, independent.Metrics.Risk, correlated.Metrics.Risk,
		"independent crops diversify risk away")
}

func TestTopUpSweepsConvergeLeftoverLand(t *testing.T) {
	// Plentiful resources: sweeps should keep topping up unallocated crops
	// until leftover land drops under the fallow threshold.
	constraints := Constraints{
		TotalLand:        10,
		TotalWater:       1e9,
		TotalLabor:       1e9,
		TotalBudget:      1e9,
		MinCropDiversity: 1,
	}
	crops := []CropOption{
		testCrop("a", nil),
		testCrop("b", nil),
		testCrop("c", nil),
		testCrop("d", nil),
		testCrop("e", nil),
		testCrop("f", nil),
		testCrop("g", nil),
		testCrop("h", nil),
	}

	p, err := Optimize(constraints, crops, nil, nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, p.UnusedLand, 0.5,
		"remaining land converges below the fallow threshold when nothing blocks it")
}

func TestTightBudgetLimitsAllocation(t *testing.T) {
	constraints := testConstraints()
	constraints.TotalBudget = 60000 // pays for 2 ha at 30000/ha

	p, err := Optimize(constraints, []CropOption{testCrop("wheat", nil), testCrop("barley", nil)}, nil, nil, nil)
	require.NoError(t, err)

	var budget float64
	for _, alloc := range p.Allocations {
		budget += alloc.CostRequired
	}
	assert.LessOrEqual(t, budget, 60000.0+1e-9)
	assert.Positive(t, p.UnusedLand, "land the budget cannot cultivate stays fallow")
}

func TestMaxDiversityCapsNewCrops(t *testing.T) {
	constraints := Constraints{
		TotalLand:        10,
		TotalWater:       1e9,
		TotalLabor:       1e9,
		TotalBudget:      1e9,
		MinCropDiversity: 1,
		MaxCropDiversity: 2,
	}
	crops := []CropOption{testCrop("a", nil), testCrop("b", nil), testCrop("c", nil), testCrop("d", nil)}

	p, err := Optimize(constraints, crops, nil, nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(p.Allocations), 2)
}
