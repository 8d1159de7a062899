// Package investment computes FPO member investment units and distributes
// collective profit in proportion to them. Units capture what each member
// contributes to the collective: land, cash inputs, labor, soil and water
// endowment, and equipment, blended by configurable weights.
package investment

import (
	"fmt"
	"math"
	"sort"

	"github.com/krishio/agrimesh/errors"
)

// Factor bounds used for normalization and validation.
const (
	// landSigmoidSteepness shapes the land curve: holdings near the
	// average move the score the most, very large holdings saturate.
	landSigmoidSteepness = 1.5

	// DefaultAvgHoldingSize centers the land sigmoid, in hectares.
	DefaultAvgHoldingSize = 2.0

	// MaxSmallholderLand is the sanity ceiling on a single member's land.
	MaxSmallholderLand = 20.0

	// Normalization caps for linearly scaled factors.
	DefaultMaxInputs    = 100000.0 // rupees per season
	DefaultMaxLaborDays = 300.0    // person-days per season
	DefaultMaxEquipment = 500000.0 // rupees of equipment value

	unitScale = 100.0
)

// Factors is one member's raw contribution profile.
type Factors struct {
	LandArea       float64 `json:"land_area"`       // hectares
	InputsValue    float64 `json:"inputs_value"`    // rupees
	LaborDays      float64 `json:"labor_days"`      // person-days
	SoilQuality    float64 `json:"soil_quality"`    // already normalized 0..1
	WaterAccess    float64 `json:"water_access"`    // already normalized 0..1
	EquipmentValue float64 `json:"equipment_value"` // rupees
}

// Weights blends the six normalized factors. A valid set sums to 1.
type Weights struct {
	Land      float64 `json:"land"`
	Inputs    float64 `json:"inputs"`
	Labor     float64 `json:"labor"`
	Soil      float64 `json:"soil"`
	Water     float64 `json:"water"`
	Equipment float64 `json:"equipment"`
}

// DefaultWeights returns the standard blend.
func DefaultWeights() Weights {
	return Weights{
		Land:      0.40,
		Inputs:    0.20,
		Labor:     0.15,
		Soil:      0.10,
		Water:     0.10,
		Equipment: 0.05,
	}
}

func (w Weights) sum() float64 {
	return w.Land + w.Inputs + w.Labor + w.Soil + w.Water + w.Equipment
}

// normalized rescales the weights to sum to exactly 1.
func (w Weights) normalized() Weights {
	total := w.sum()
	if total == 0 {
		return DefaultWeights()
	}
	return Weights{
		Land:      w.Land / total,
		Inputs:    w.Inputs / total,
		Labor:     w.Labor / total,
		Soil:      w.Soil / total,
		Water:     w.Water / total,
		Equipment: w.Equipment / total,
	}
}

// Calculator computes units with configurable normalization bounds.
type Calculator struct {
	AvgHoldingSize float64
	MaxInputs      float64
	MaxLaborDays   float64
	MaxEquipment   float64
}

// NewCalculator returns a calculator with the default bounds.
func NewCalculator() *Calculator {
	return &Calculator{
		AvgHoldingSize: DefaultAvgHoldingSize,
		MaxInputs:      DefaultMaxInputs,
		MaxLaborDays:   DefaultMaxLaborDays,
		MaxEquipment:   DefaultMaxEquipment,
	}
}

// Breakdown shows each factor's normalized score and weighted contribution.
type Breakdown struct {
	Scores        map[string]float64 `json:"scores"`        // normalized 0..1
	Contributions map[string]float64 `json:"contributions"` // score × weight × scale
}

// CalculateUnits converts a member's factors into investment units on a
// 0-100 scale. Factors must pass ValidateFactors first; weights not summing
// to 1 are renormalized rather than rejected.
func (c *Calculator) CalculateUnits(factors Factors, weights Weights) (float64, *Breakdown, error) {
	if violations := c.ValidateFactors(factors); len(violations) > 0 {
		return 0, nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrValidationFailed, violations[0].Rule),
			"Calculator", "CalculateUnits", "validate factors")
	}
	w := weights.normalized()

	scores := map[string]float64{
		"land":      c.normalizeLand(factors.LandArea),
		"inputs":    clampRatio(factors.InputsValue, c.MaxInputs),
		"labor":     clampRatio(factors.LaborDays, c.MaxLaborDays),
		"soil":      factors.SoilQuality,
		"water":     factors.WaterAccess,
		"equipment": clampRatio(factors.EquipmentValue, c.MaxEquipment),
	}

	contributions := map[string]float64{
		"land":      scores["land"] * w.Land * unitScale,
		"inputs":    scores["inputs"] * w.Inputs * unitScale,
		"labor":     scores["labor"] * w.Labor * unitScale,
		"soil":      scores["soil"] * w.Soil * unitScale,
		"water":     scores["water"] * w.Water * unitScale,
		"equipment": scores["equipment"] * w.Equipment * unitScale,
	}

	var units float64
	for _, contribution := range contributions {
		units += contribution
	}

	return units, &Breakdown{Scores: scores, Contributions: contributions}, nil
}

// normalizeLand maps land area to (0,1) with a sigmoid centered on the
// average holding size.
func (c *Calculator) normalizeLand(area float64) float64 {
	center := c.AvgHoldingSize
	if center <= 0 {
		center = DefaultAvgHoldingSize
	}
	return 1 / (1 + math.Exp(-landSigmoidSteepness*(area-center)))
}

func clampRatio(value, max float64) float64 {
	if max <= 0 {
		return 0
	}
	ratio := value / max
	if ratio > 1 {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	return ratio
}

// Violation names one broken validation rule.
type Violation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidateFactors checks a member's factors and returns every violated rule
// rather than stopping at the first.
func (c *Calculator) ValidateFactors(factors Factors) []Violation {
	var violations []Violation

	if factors.LandArea <= 0 {
		violations = append(violations, Violation{
			Field: "land_area", Rule: "land area must be positive",
		})
	} else if factors.LandArea > MaxSmallholderLand {
		violations = append(violations, Violation{
			Field: "land_area",
			Rule:  fmt.Sprintf("land area above smallholder ceiling of %.0f hectares", MaxSmallholderLand),
		})
	}
	if factors.SoilQuality < 0 || factors.SoilQuality > 1 {
		violations = append(violations, Violation{
			Field: "soil_quality", Rule: "soil quality must be within [0,1]",
		})
	}
	if factors.WaterAccess < 0 || factors.WaterAccess > 1 {
		violations = append(violations, Violation{
			Field: "water_access", Rule: "water access must be within [0,1]",
		})
	}
	if factors.InputsValue < 0 {
		violations = append(violations, Violation{
			Field: "inputs_value", Rule: "inputs value cannot be negative",
		})
	}
	if factors.LaborDays < 0 {
		violations = append(violations, Violation{
			Field: "labor_days", Rule: "labor days cannot be negative",
		})
	}
	if factors.EquipmentValue < 0 {
		violations = append(violations, Violation{
			Field: "equipment_value", Rule: "equipment value cannot be negative",
		})
	}

	return violations
}

// ProfitShare is one member's cut of a distribution.
type ProfitShare struct {
	MemberID    string  `json:"member_id"`
	Units       float64 `json:"units"`
	GrossProfit float64 `json:"gross_profit"`
	Deduction   float64 `json:"deduction"`
	NetProfit   float64 `json:"net_profit"`
}

// DistributeProfit splits totalProfit across members in proportion to their
// units, applies per-member deductions, and returns shares sorted by net
// profit descending. Total units must be positive.
func DistributeProfit(totalProfit float64, memberUnits map[string]float64, deductions map[string]float64) ([]ProfitShare, error) {
	var totalUnits float64
	for memberID, units := range memberUnits {
		if units < 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: member %s has negative units", errors.ErrValidationFailed, memberID),
				"Calculator", "DistributeProfit", "validate units")
		}
		totalUnits += units
	}
	if totalUnits <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: total units must be positive", errors.ErrValidationFailed),
			"Calculator", "DistributeProfit", "validate units")
	}

	shares := make([]ProfitShare, 0, len(memberUnits))
	for memberID, units := range memberUnits {
		gross := units / totalUnits * totalProfit
		deduction := deductions[memberID]
		shares = append(shares, ProfitShare{
			MemberID:    memberID,
			Units:       units,
			GrossProfit: gross,
			Deduction:   deduction,
			NetProfit:   gross - deduction,
		})
	}

	sort.Slice(shares, func(i, j int) bool {
		if shares[i].NetProfit != shares[j].NetProfit {
			return shares[i].NetProfit > shares[j].NetProfit
		}
		return shares[i].MemberID < shares[j].MemberID
	})
	return shares, nil
}

// FPOContext carries the qualitative flags SuggestWeights reads.
type FPOContext struct {
	WaterScarce        bool   `json:"water_scarce"`
	MechanizationLevel string `json:"mechanization_level"`  // "low", "medium", "high"
	DominantCostDriver string `json:"dominant_cost_driver"` // "inputs", "labor", ""
}

// SuggestWeights adapts the default blend to an FPO's situation and
// renormalizes so the six weights sum to exactly 1.
func SuggestWeights(fpo FPOContext) Weights {
	w := DefaultWeights()

	if fpo.WaterScarce {
		// Water access becomes a scarce, decisive contribution.
		w.Water += 0.10
		w.Land -= 0.05
		w.Soil -= 0.05
	}

	switch fpo.MechanizationLevel {
	case "high":
		w.Equipment += 0.10
		w.Labor -= 0.10
	case "low":
		w.Labor += 0.05
		w.Equipment -= 0.05
	}

	switch fpo.DominantCostDriver {
	case "inputs":
		w.Inputs += 0.10
		w.Land -= 0.10
	case "labor":
		w.Labor += 0.10
		w.Land -= 0.10
	}

	// Floor at zero before renormalizing; stacked adjustments can push a
	// weight negative.
	for _, ptr := range []*float64{&w.Land, &w.Inputs, &w.Labor, &w.Soil, &w.Water, &w.Equipment} {
		if *ptr < 0 {
			*ptr = 0
		}
	}
	return w.normalized()
}
