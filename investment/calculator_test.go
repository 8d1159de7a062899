package investment

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFactors() Factors {
	return Factors{
		LandArea:       2.0,
		InputsValue:    50000,
		LaborDays:      150,
		SoilQuality:    0.8,
		WaterAccess:    0.6,
		EquipmentValue: 100000,
	}
}

func TestCalculateUnitsDefaultWeights(t *testing.T) {
	calc := NewCalculator()

	units, breakdown, err := calc.CalculateUnits(validFactors(), DefaultWeights())
	require.NoError(t, err)
	require.NotNil(t, breakdown)

	// Land exactly at the average holding size sits at the sigmoid midpoint.
	assert.InDelta(t, 0.5, breakdown.Scores["land"], 1e-9)
	assert.InDelta(t, 0.5, breakdown.Scores["inputs"], 1e-9)
	assert.InDelta(t, 0.5, breakdown.Scores["labor"], 1e-9)
	assert.InDelta(t, 0.8, breakdown.Scores["soil"], 1e-9)
	assert.InDelta(t, 0.6, breakdown.Scores["water"], 1e-9)
	assert.InDelta(t, 0.2, breakdown.Scores["equipment"], 1e-9)

	// 0.5*.40 + 0.5*.20 + 0.5*.15 + 0.8*.10 + 0.6*.10 + 0.2*.05, scaled.
	want := (0.5*0.40 + 0.5*0.20 + 0.5*0.15 + 0.8*0.10 + 0.6*0.10 + 0.2*0.05) * 100
	assert.InDelta(t, want, units, 1e-9)

	var sum float64
	for _, contribution := range breakdown.Contributions {
		sum += contribution
	}
	assert.InDelta(t, units, sum, 1e-9)
}

func TestLandSigmoidShape(t *testing.T) {
	calc := NewCalculator()

	small := calc.normalizeLand(0.5)
	average := calc.normalizeLand(calc.AvgHoldingSize)
	large := calc.normalizeLand(10)

	assert.Less(t, small, average)
	assert.Less(t, average, large)
	assert.InDelta(t, 0.5, average, 1e-9)
	assert.Greater(t, large, 0.99)
	assert.Greater(t, small, 0.0)
}

func TestLinearFactorsClampAtBounds(t *testing.T) {
	calc := NewCalculator()

	factors := validFactors()
	factors.InputsValue = calc.MaxInputs * 3
	factors.LaborDays = calc.MaxLaborDays * 2
	factors.EquipmentValue = calc.MaxEquipment * 10

	_, breakdown, err := calc.CalculateUnits(factors, DefaultWeights())
	require.NoError(t, err)
	assert.Equal(t, 1.0, breakdown.Scores["inputs"])
	assert.Equal(t, 1.0, breakdown.Scores["labor"])
	assert.Equal(t, 1.0, breakdown.Scores["equipment"])
}

func TestWeightsRenormalizedBeforeUse(t *testing.T) {
	calc := NewCalculator()

	doubled := Weights{Land: 0.80, Inputs: 0.40, Labor: 0.30, Soil: 0.20, Water: 0.20, Equipment: 0.10}
	unitsDoubled, _, err := calc.CalculateUnits(validFactors(), doubled)
	require.NoError(t, err)

	unitsDefault, _, err := calc.CalculateUnits(validFactors(), DefaultWeights())
	require.NoError(t, err)

	assert.InDelta(t, unitsDefault, unitsDoubled, 1e-9)
}

func TestValidateFactors(t *testing.T) {
	calc := NewCalculator()

	tests := []struct {
		name   string
		mutate func(*Factors)
		field  string
	}{
		{"zero land", func(f *Factors) { f.LandArea = 0 }, "land_area"},
		{"negative land", func(f *Factors) { f.LandArea = -1 }, "land_area"},
		{"land above ceiling", func(f *Factors) { f.LandArea = MaxSmallholderLand + 1 }, "land_area"},
		{"soil above one", func(f *Factors) { f.SoilQuality = 1.2 }, "soil_quality"},
		{"negative soil", func(f *Factors) { f.SoilQuality = -0.1 }, "soil_quality"},
		{"water above one", func(f *Factors) { f.WaterAccess = 2 }, "water_access"},
		{"negative inputs", func(f *Factors) { f.InputsValue = -100 }, "inputs_value"},
		{"negative labor", func(f *Factors) { f.LaborDays = -1 }, "labor_days"},
		{"negative equipment", func(f *Factors) { f.EquipmentValue = -1 }, "equipment_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factors := validFactors()
			tt.mutate(&factors)

			violations := calc.ValidateFactors(factors)
			require.NotEmpty(t, violations)
			assert.Equal(t, tt.field, violations[0].Field)

			_, _, err := calc.CalculateUnits(factors, DefaultWeights())
			assert.Error(t, err)
		})
	}

	assert.Empty(t, calc.ValidateFactors(validFactors()))
}

func TestValidateFactorsCollectsAllViolations(t *testing.T) {
	calc := NewCalculator()

	violations := calc.ValidateFactors(Factors{
		LandArea:    -1,
		SoilQuality: 2,
		WaterAccess: -1,
		LaborDays:   -5,
	})
	assert.Len(t, violations, 4)
}

func TestDistributeProfit(t *testing.T) {
	units := map[string]float64{
		"member-a": 60,
		"member-b": 30,
		"member-c": 10,
	}
	deductions := map[string]float64{"member-b": 500}

	shares, err := DistributeProfit(100000, units, deductions)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	var gross, net float64
	for _, share := range shares {
		gross += share.GrossProfit
		net += share.NetProfit
	}
	assert.InDelta(t, 100000, gross, 1e-6)
	assert.InDelta(t, 100000-500, net, 1e-6)

	// Sorted by net profit descending.
	assert.Equal(t, "member-a", shares[0].MemberID)
	assert.InDelta(t, 60000, shares[0].GrossProfit, 1e-6)
	assert.Equal(t, "member-b", shares[1].MemberID)
	assert.InDelta(t, 29500, shares[1].NetProfit, 1e-6)
	assert.Equal(t, "member-c", shares[2].MemberID)
}

func TestDistributeProfitTiesOrderedByMemberID(t *testing.T) {
	shares, err := DistributeProfit(1000, map[string]float64{
		"member-b": 50,
		"member-a": 50,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "member-a", shares[0].MemberID)
	assert.Equal(t, "member-b", shares[1].MemberID)
}

func TestDistributeProfitRejectsBadUnits(t *testing.T) {
	_, err := DistributeProfit(1000, map[string]float64{"member-a": 0}, nil)
	assert.Error(t, err)

	_, err = DistributeProfit(1000, map[string]float64{"member-a": -5, "member-b": 10}, nil)
	assert.Error(t, err)

	_, err = DistributeProfit(1000, nil, nil)
	assert.Error(t, err)
}

func TestSuggestWeights(t *testing.T) {
	tests := []struct {
		name string
		fpo  FPOContext
	}{
		{"defaults", FPOContext{}},
		{"water scarce", FPOContext{WaterScarce: true}},
		{"high mechanization", FPOContext{MechanizationLevel: "high"}},
		{"low mechanization", FPOContext{MechanizationLevel: "low"}},
		{"inputs driven", FPOContext{DominantCostDriver: "inputs"}},
		{"labor driven", FPOContext{DominantCostDriver: "labor"}},
		{"everything at once", FPOContext{WaterScarce: true, MechanizationLevel: "high", DominantCostDriver: "labor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := SuggestWeights(tt.fpo)
			assert.InDelta(t, 1.0, w.sum(), 1e-9)
			for _, weight := range []float64{w.Land, w.Inputs, w.Labor, w.Soil, w.Water, w.Equipment} {
				assert.GreaterOrEqual(t, weight, 0.0)
				assert.False(t, math.IsNaN(weight))
			}
		})
	}

	scarce := SuggestWeights(FPOContext{WaterScarce: true})
	assert.Greater(t, scarce.Water, DefaultWeights().Water)

	mechanized := SuggestWeights(FPOContext{MechanizationLevel: "high"})
	assert.Greater(t, mechanized.Equipment, DefaultWeights().Equipment)
	assert.Less(t, mechanized.Labor, DefaultWeights().Labor)
}
