package portfolio

import "math"

const (
	correlationBase         = 0.1
	correlationFamily       = 0.5
	correlationSeason       = 0.3
	correlationWater        = 0.2
	correlationHeuristicCap = 0.9
)

// correlationMatrix builds the symmetric pairwise crop correlation matrix
// with a unit diagonal. Pairs with price history on both sides (at least
// two samples each) get a Pearson coefficient; the rest fall back to an
// agronomic heuristic.
func correlationMatrix(crops []CropOption, market map[string]MarketData) [][]float64 {
	n := len(crops)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a := market[crops[i].Name].PriceHistory
			b := market[crops[j].Name].PriceHistory

			var corr float64
			if len(a) >= 2 && len(b) >= 2 {
				corr = pearson(a, b)
			} else {
				corr = heuristicCorrelation(crops[i], crops[j])
			}
			matrix[i][j] = corr
			matrix[j][i] = corr
		}
	}
	return matrix
}

// pearson computes the Pearson correlation over the overlapping prefix of
// two price series. Flat series have zero variance and correlate at 0.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// heuristicCorrelation estimates how two crops co-move when no price
// history exists: shared family, shared season, and similar water demand
// each push the pair toward moving together.
func heuristicCorrelation(a, b CropOption) float64 {
	corr := correlationBase
	if a.Family != "" && a.Family == b.Family {
		corr += correlationFamily
	}
	if a.Season != "" && a.Season == b.Season {
		corr += correlationSeason
	}
	if similarWaterDemand(a.WaterRequirement, b.WaterRequirement) {
		corr += correlationWater
	}
	if corr > correlationHeuristicCap {
		corr = correlationHeuristicCap
	}
	return corr
}

// similarWaterDemand reports whether the requirements differ by less than
// 20% of the larger value.
func similarWaterDemand(a, b float64) bool {
	larger := math.Max(a, b)
	if larger == 0 {
		return true
	}
	return math.Abs(a-b) < 0.2*larger
}
