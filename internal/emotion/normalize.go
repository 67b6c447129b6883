package emotion

import (
	"math"
	"sort"
)

// Rounding selects how normalized breakdown shares become integer percents.
type Rounding string

const (
	// LargestRemainder floors every share and hands the leftover points to
	// the largest fractional parts, so the result always sums to 100.
	LargestRemainder Rounding = "largest_remainder"
	// Independent rounds each share on its own. The sum may drift off 100.
	Independent Rounding = "independent"
)

func ParseRounding(s string) Rounding {
	if Rounding(s) == Independent {
		return Independent
	}
	return LargestRemainder
}

// Normalize scales raw weights (in Categories order) to integer percents.
func Normalize(raw []float64, mode Rounding) []int {
	out := make([]int, len(raw))
	if len(raw) == 0 {
		return out
	}

	total := 0.0
	for _, v := range raw {
		total += v
	}
	exact := make([]float64, len(raw))
	for i, v := range raw {
		if total > 0 {
			exact[i] = 100 * v / total
		} else {
			exact[i] = 100 / float64(len(raw))
		}
	}

	if mode == Independent {
		for i, v := range exact {
			out[i] = int(math.Round(v))
		}
		return out
	}

	assigned := 0
	for i, v := range exact {
		out[i] = int(math.Floor(v))
		assigned += out[i]
	}

	order := make([]int, len(exact))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra := exact[order[a]] - math.Floor(exact[order[a]])
		rb := exact[order[b]] - math.Floor(exact[order[b]])
		return ra > rb
	})
	for k := 0; assigned < 100; k++ {
		out[order[k%len(order)]]++
		assigned++
	}
	return out
}
