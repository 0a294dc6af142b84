package quality

import (
	"math"
	"slices"
)

// Outlier detection methods.
const (
	MethodZScore = "zscore"
	MethodIQR    = "iqr"
)

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation.
func stddev(xs []float64, mu float64) float64 {
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// quantile returns the q-th quantile of sorted xs with linear interpolation
// between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Detector flags statistical outliers in a sample.
type Detector struct {
	Method    string
	Sigma     float64
	K         float64
	MinSample int
}

// Flags returns one flag per value. Samples smaller than MinSample, and
// samples with no spread, flag nothing.
func (d Detector) Flags(xs []float64) []bool {
	flags := make([]bool, len(xs))
	if len(xs) == 0 || len(xs) < d.MinSample {
		return flags
	}
	switch d.Method {
	case MethodIQR:
		sorted := slices.Clone(xs)
		slices.Sort(sorted)
		q1, q3 := quantile(sorted, 0.25), quantile(sorted, 0.75)
		iqr := q3 - q1
		if iqr == 0 {
			return flags
		}
		lo, hi := q1-d.K*iqr, q3+d.K*iqr
		for i, x := range xs {
			flags[i] = x < lo || x > hi
		}
	default:
		mu := mean(xs)
		sd := stddev(xs, mu)
		if sd == 0 {
			return flags
		}
		for i, x := range xs {
			flags[i] = math.Abs(x-mu)/sd > d.Sigma
		}
	}
	return flags
}
