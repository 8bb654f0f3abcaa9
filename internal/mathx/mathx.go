// Package mathx collects the small numeric primitives shared by the
// connection, trust, routing and defense engines: clamping, EMA
// updates, a bounded sigmoid, a log-odds helper, and the pairwise
// counting the collusion detector's density statistics need.
package mathx

import "math"

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// EMA applies an exponential moving average update: new = (1-alpha)*old + alpha*sample.
func EMA(old, sample, alpha float64) float64 {
	return (1-alpha)*old + alpha*sample
}

// MaxExpArg bounds the argument passed to math.Exp throughout the
// engine, avoiding overflow/underflow at the float64 edge without
// perturbing any in-range result.
const MaxExpArg = 700

// SafeExp evaluates math.Exp after clamping x to ±MaxExpArg.
func SafeExp(x float64) float64 {
	return math.Exp(Clamp(x, -MaxExpArg, MaxExpArg))
}

// Sigmoid is the standard logistic function, used to bound the
// Physarum reinforcement term into a stable update range.
func Sigmoid(x float64) float64 {
	return 1 / (1 + SafeExp(-x))
}

// BoundedSigmoid maps x through Sigmoid and rescales the result onto
// [-1, 1], so it can be used directly as a signed reinforcement delta.
// This realizes σ(r) = 2/(1+e^{-βr}) − 1 once the caller has
// pre-multiplied x by β.
func BoundedSigmoid(x float64) float64 {
	return 2*Sigmoid(x) - 1
}

// ProbToLogOdds converts a probability in [0,1] to a clamped
// log10(p/(1-p)) score, which spreads out probabilities near the
// extremes. No engine package calls it.
func ProbToLogOdds(p float64) float64 {
	switch {
	case p >= 1.0:
		return 999.0
	case p <= 0.0:
		return -999.0
	default:
		return math.Log10(p / (1.0 - p))
	}
}

// WeightedMean returns sum(values[i]*weights[i]) / sum(weights), or 0
// if the weights sum to ~0 or the slices mismatch in length.
func WeightedMean(values, weights []float64) float64 {
	if len(values) != len(weights) || len(values) == 0 {
		return 0
	}
	var num, den float64
	for i := range values {
		num += values[i] * weights[i]
		den += weights[i]
	}
	if math.Abs(den) < 1e-12 {
		return 0
	}
	return num / den
}

// Median returns the median of a copied, sorted slice. Returns 0 for
// an empty slice.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	insertionSort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func insertionSort(s []float64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// Comb2 computes C(n,2) = n*(n-1)/2, the pairwise-count helper the
// collusion detector uses for community density scoring.
func Comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

// SafeDiv returns num/den, or fallback if den is within epsilon of 0.
func SafeDiv(num, den, fallback float64) float64 {
	if math.Abs(den) < 1e-12 {
		return fallback
	}
	return num / den
}
