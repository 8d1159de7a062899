// Package portfolio implements collective crop portfolio optimization for an
// FPO: given resource constraints and per-crop market, climate, and yield
// signals it produces a diversified land allocation with risk metrics. The
// optimizer is a pure function; all I/O happens in the calling agent.
package portfolio

// CropOption describes one candidate crop.
type CropOption struct {
	Name             string   `json:"name"`
	Family           string   `json:"family"`            // e.g. "solanaceae", "legume"
	Season           string   `json:"season"`            // "kharif", "rabi", "zaid"
	AvgYield         float64  `json:"avg_yield"`         // quintals per hectare
	YieldStdDev      float64  `json:"yield_std_dev"`     // quintals per hectare
	AvgPrice         float64  `json:"avg_price"`         // rupees per quintal
	CultivationCost  float64  `json:"cultivation_cost"`  // rupees per hectare
	WaterRequirement float64  `json:"water_requirement"` // cubic meters per hectare
	LaborDays        float64  `json:"labor_days"`        // person-days per hectare
	GrowingDuration  int      `json:"growing_duration"`  // days
	SoilTypes        []string `json:"soil_types,omitempty"`
}

// Constraints bound the collective allocation.
type Constraints struct {
	TotalLand        float64 `json:"total_land"`   // hectares
	TotalWater       float64 `json:"total_water"`  // cubic meters
	TotalLabor       float64 `json:"total_labor"`  // person-days
	TotalBudget      float64 `json:"total_budget"` // rupees
	MinCropDiversity int     `json:"min_crop_diversity"`
	MaxCropDiversity int     `json:"max_crop_diversity,omitempty"` // 0 means unbounded
}

// MarketData carries per-crop market signals. A zero-value entry (or a
// missing one) falls back to the crop's historical averages and the
// conservative volatility default.
type MarketData struct {
	PredictedPrice  float64   `json:"predicted_price,omitempty"`
	PriceVolatility float64   `json:"price_volatility,omitempty"` // 0..1
	PriceHistory    []float64 `json:"price_history,omitempty"`
}

// ClimateData carries the per-crop climate risk signal.
type ClimateData struct {
	RiskScore float64 `json:"risk_score"` // 0..1
}

// YieldForecast carries the per-crop predicted yield.
type YieldForecast struct {
	PredictedYield float64 `json:"predicted_yield"` // quintals per hectare
}

// Allocation is the land assigned to one crop with its derived figures.
type Allocation struct {
	CropName       string  `json:"crop_name"`
	LandArea       float64 `json:"land_area"`       // hectares
	ExpectedReturn float64 `json:"expected_return"` // fractional, e.g. 0.35
	Risk           float64 `json:"risk"`            // 0..1
	WaterNeeded    float64 `json:"water_needed"`    // cubic meters
	LaborNeeded    float64 `json:"labor_needed"`    // person-days
	CostRequired   float64 `json:"cost_required"`   // rupees
}

// Metrics summarizes the whole portfolio.
type Metrics struct {
	ExpectedReturn       float64 `json:"expected_return"`
	Risk                 float64 `json:"risk"`
	SharpeRatio          float64 `json:"sharpe_ratio"`
	DiversificationIndex float64 `json:"diversification_index"`
}

// Utilization expresses each allocated resource as a percentage of its
// constraint.
type Utilization struct {
	Land   float64 `json:"land"`
	Water  float64 `json:"water"`
	Labor  float64 `json:"labor"`
	Budget float64 `json:"budget"`
}

// Portfolio is the optimizer output.
type Portfolio struct {
	Allocations []Allocation `json:"allocations"`
	Metrics     Metrics      `json:"metrics"`
	Utilization Utilization  `json:"utilization"`
	UnusedLand  float64      `json:"unused_land"` // hectares
}
