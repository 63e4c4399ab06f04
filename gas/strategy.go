package gas

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrNoSamples       = errors.New("no price samples to compute a suggestion from")
	ErrInvalidStrategy = errors.New("invalid pricing strategy")
	ErrNoCustomFunc    = errors.New("custom pricing strategy not defined")
)

// Strategy selects the statistic applied to the fee samples of a block.
type Strategy uint8

const (
	MinPrice Strategy = iota
	MaxPrice
	MedianPrice
	MeanPrice
	ModePrice
	UpperQuartilePrice
	LowerQuartilePrice
	CustomPrice
)

func (s Strategy) String() string {
	switch s {
	case MinPrice:
		return "min_price"
	case MaxPrice:
		return "max_price"
	case MedianPrice:
		return "median_price"
	case MeanPrice:
		return "mean_price"
	case ModePrice:
		return "mode_price"
	case UpperQuartilePrice:
		return "upper_quartile_price"
	case LowerQuartilePrice:
		return "lower_quartile_price"
	case CustomPrice:
		return "custom"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy maps a strategy name from config or API input to its
// Strategy value.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "min_price":
		return MinPrice, nil
	case "max_price":
		return MaxPrice, nil
	case "median_price":
		return MedianPrice, nil
	case "mean_price":
		return MeanPrice, nil
	case "mode_price":
		return ModePrice, nil
	case "upper_quartile_price":
		return UpperQuartilePrice, nil
	case "lower_quartile_price":
		return LowerQuartilePrice, nil
	case "custom":
		return CustomPrice, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
	}
}

// PriceFunc is a caller-supplied statistic for the custom strategy.
type PriceFunc func(samples []uint64) float64

// Suggest reduces fee samples to a single integer price under the given
// strategy. Quartile strategies fall back to the mean when the sample set
// is too small for quartiles to be defined. Results round half to even,
// prices are integral wei amounts.
func Suggest(samples []uint64, strategy Strategy, custom PriceFunc) (uint64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}

	var res float64
	switch strategy {
	case MinPrice:
		res = float64(minSample(samples))
	case MaxPrice:
		res = float64(maxSample(samples))
	case MedianPrice:
		res = median(samples)
	case MeanPrice:
		res = mean(samples)
	case ModePrice:
		res = float64(mode(samples))
	case UpperQuartilePrice:
		res = quartile(samples, 3)
	case LowerQuartilePrice:
		res = quartile(samples, 1)
	case CustomPrice:
		if custom == nil {
			return 0, ErrNoCustomFunc
		}
		res = custom(samples)
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidStrategy, strategy)
	}
	return uint64(math.RoundToEven(res)), nil
}

func minSample(samples []uint64) uint64 {
	res := samples[0]
	for _, s := range samples[1:] {
		if s < res {
			res = s
		}
	}
	return res
}

func maxSample(samples []uint64) uint64 {
	res := samples[0]
	for _, s := range samples[1:] {
		if s > res {
			res = s
		}
	}
	return res
}

func mean(samples []uint64) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	return sum / float64(len(samples))
}

func median(samples []uint64) float64 {
	sorted := sortedCopy(samples)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return (float64(sorted[mid-1]) + float64(sorted[mid])) / 2
}

// mode returns the most frequent sample; ties resolve to the value
// occurring first in the input.
func mode(samples []uint64) uint64 {
	counts := make(map[uint64]int, len(samples))
	for _, s := range samples {
		counts[s]++
	}
	best, bestCount := samples[0], counts[samples[0]]
	for _, s := range samples[1:] {
		if counts[s] > bestCount {
			best, bestCount = s, counts[s]
		}
	}
	return best
}

// quartile interpolates the i-th exclusive quartile (i is 1 or 3).
// Quartiles are undefined for fewer than two samples; the mean stands in
// then. The cut index is clamped to the sample range and delta recomputed
// from the clamped index, so tiny sample sets extrapolate past the ends.
func quartile(samples []uint64, i int) float64 {
	if len(samples) < 2 {
		return mean(samples)
	}
	sorted := sortedCopy(samples)
	m := i * (len(sorted) + 1)
	j := m / 4
	if j < 1 {
		j = 1
	} else if j > len(sorted)-1 {
		j = len(sorted) - 1
	}
	delta := m - j*4
	return (float64(sorted[j-1])*float64(4-delta) + float64(sorted[j])*float64(delta)) / 4
}

func sortedCopy(samples []uint64) []uint64 {
	sorted := make([]uint64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	return sorted
}
