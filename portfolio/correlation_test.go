package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPearson(t *testing.T) {
	up := []float64{10, 20, 30, 40}
	down := []float64{40, 30, 20, 10}
	flat := []float64{5, 5, 5, 5}

	assert.InDelta(t, 1.0, pearson(up, up), 1e-9)
	assert.InDelta(t, -1.0, pearson(up, down), 1e-9)
	assert.Zero(t, pearson(up, flat), "zero variance correlates at 0")
	assert.Zero(t, pearson([]float64{1}, up), "too few samples")
}

func TestHeuristicCorrelation(t *testing.T) {
	base := CropOption{Name: "a", Family: "legume", Season: "rabi", WaterRequirement: 1000}

	t.Run("unrelated crops sit near the base", func(t *testing.T) {
		other := CropOption{Name: "b", Family: "solanaceae", Season: "kharif", WaterRequirement: 5000}
		assert.InDelta(t, 0.1, heuristicCorrelation(base, other), 1e-9)
	})

	t.Run("family and season add up", func(t *testing.T) {
		other := CropOption{Name: "b", Family: "legume", Season: "rabi", WaterRequirement: 5000}
		assert.InDelta(t, 0.1+0.5+0.3, heuristicCorrelation(base, other), 1e-9)
	})

	t.Run("similar water demand adds and the sum is capped", func(t *testing.T) {
		twin := CropOption{Name: "b", Family: "legume", Season: "rabi", WaterRequirement: 1100}
		assert.InDelta(t, 0.9, heuristicCorrelation(base, twin), 1e-9, "0.1+0.5+0.3+0.2 capped at 0.9")
	})
}

func TestCorrelationMatrixShape(t *testing.T) {
	crops := []CropOption{
		{Name: "wheat", Family: "poaceae", Season: "rabi", WaterRequirement: 4000},
		{Name: "gram", Family: "legume", Season: "rabi", WaterRequirement: 2500},
		{Name: "onion", Family: "amaryllidaceae", Season: "rabi", WaterRequirement: 5500},
	}
	market := map[string]MarketData{
		"wheat": {PriceHistory: []float64{2000, 2100, 2200}},
		"gram":  {PriceHistory: []float64{4500, 4600, 4700}},
		// onion has no history, pairs with it use the heuristic
	}

	m := correlationMatrix(crops, market)

	for i := range m {
		assert.Equal(t, 1.0, m[i][i], "unit diagonal")
		for j := range m {
			assert.Equal(t, m[i][j], m[j][i], "symmetric")
		}
	}

	assert.InDelta(t, 1.0, m[0][1], 1e-9, "both series rise monotonically")
	assert.InDelta(t, heuristicCorrelation(crops[0], crops[2]), m[0][2], 1e-9)
}
