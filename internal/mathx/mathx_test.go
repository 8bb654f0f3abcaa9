package mathx

import (
	"math"
	"testing"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		v, lo, hi float64
		expected float64
	}{
		{"below range", -1, 0, 1, 0},
		{"above range", 2, 0, 1, 1},
		{"inside range", 0.5, 0, 1, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.v, tt.lo, tt.hi); got != tt.expected {
				t.Errorf("Clamp() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestEMA(t *testing.T) {
	got := EMA(0.5, 1.0, 0.5)
	want := 0.75
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("EMA() = %v, want %v", got, want)
	}
}

func TestProbToLogOdds(t *testing.T) {
	tests := []struct {
		name     string
		prob     float64
		expected float64
	}{
		{"Absolute Certainty", 1.0, 999.0},
		{"Absolute Negative Certainty", 0.0, -999.0},
		{"Coin Flip", 0.5, 0.0},
		{"High Probability", 0.99, math.Log10(0.99 / 0.01)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ProbToLogOdds(tt.prob)
			if math.Abs(result-tt.expected) > 0.001 {
				t.Errorf("ProbToLogOdds() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestBoundedSigmoidRange(t *testing.T) {
	for _, x := range []float64{-100, -1, 0, 1, 100} {
		v := BoundedSigmoid(x)
		if v < -1 || v > 1 {
			t.Errorf("BoundedSigmoid(%v) = %v, out of [-1,1]", x, v)
		}
	}
	if math.Abs(BoundedSigmoid(0)) > 1e-9 {
		t.Errorf("BoundedSigmoid(0) = %v, want 0", BoundedSigmoid(0))
	}
}

func TestBoundedSigmoidSaturates(t *testing.T) {
	// Arguments past the exp clamp must land exactly on the asymptotes
	// instead of overflowing.
	if got := BoundedSigmoid(1e6); got != 1 {
		t.Errorf("BoundedSigmoid(1e6) = %v, want exactly 1", got)
	}
	if got := BoundedSigmoid(-1e6); got != -1 {
		t.Errorf("BoundedSigmoid(-1e6) = %v, want exactly -1", got)
	}
}

func TestSafeExpClampsArgument(t *testing.T) {
	if v := SafeExp(10000); math.IsInf(v, 1) {
		t.Errorf("SafeExp(10000) overflowed to +Inf")
	}
	if v := SafeExp(-10000); v != math.Exp(-MaxExpArg) {
		t.Errorf("SafeExp(-10000) = %v, want exp(-%d)", v, MaxExpArg)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		expected float64
	}{
		{"odd count", []float64{3, 1, 2}, 2},
		{"even count", []float64{4, 1, 3, 2}, 2.5},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Median(tt.values); got != tt.expected {
				t.Errorf("Median() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestWeightedMean(t *testing.T) {
	got := WeightedMean([]float64{1, 2, 3}, []float64{1, 1, 2})
	want := (1 + 2 + 6) / 4.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("WeightedMean() = %v, want %v", got, want)
	}

	if got := WeightedMean([]float64{1}, []float64{0}); got != 0 {
		t.Errorf("WeightedMean() with zero weights = %v, want 0", got)
	}
}

func TestComb2(t *testing.T) {
	tests := []struct {
		n        int
		expected float64
	}{
		{0, 0}, {1, 0}, {2, 1}, {4, 6}, {5, 10},
	}
	for _, tt := range tests {
		if got := Comb2(tt.n); got != tt.expected {
			t.Errorf("Comb2(%d) = %v, want %v", tt.n, got, tt.expected)
		}
	}
}
