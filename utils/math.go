package utils

import (
	"math"
	"sort"
)

// Median returns the middle value of the given samples. The input slice is not
// modified. NaN is returned for an empty input.
func Median(values ...float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return sorted[len(sorted)/2]
}
