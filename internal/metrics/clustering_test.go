package metrics

import (
	"math"
	"testing"
)

func TestAdjustedRandIndex(t *testing.T) {
	tests := []struct {
		name string
		a, b []int
		// want is checked as ARI >= wantMin && ARI <= wantMax
		wantMin, wantMax float64
	}{
		{
			name: "identical community structure scores 1",
			a:    []int{0, 0, 1, 1, 2, 2},
			b:    []int{0, 0, 1, 1, 2, 2},
			wantMin: 0.99, wantMax: 1.0,
		},
		{
			name: "relabeled communities still score 1",
			a:    []int{0, 0, 1, 1, 2, 2},
			b:    []int{7, 7, 3, 3, 5, 5},
			wantMin: 0.99, wantMax: 1.0,
		},
		{
			name: "orthogonal partitions score near 0",
			a:    []int{0, 0, 0, 1, 1, 1},
			b:    []int{0, 1, 0, 1, 0, 1},
			wantMin: -1.0, wantMax: 0.5,
		},
		{
			name: "a split ring scores between",
			a:    []int{0, 0, 0, 0, 1, 1},
			b:    []int{0, 0, 2, 2, 1, 1},
			wantMin: 0.01, wantMax: 0.99,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdjustedRandIndex(tt.a, tt.b)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("AdjustedRandIndex() = %v, want within [%v, %v]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestAdjustedRandIndexDegenerateInputs(t *testing.T) {
	if got := AdjustedRandIndex([]int{0}, []int{0}); got != 0 {
		t.Errorf("AdjustedRandIndex() with a single element = %v, want 0", got)
	}
	if got := AdjustedRandIndex([]int{0, 1}, []int{0}); got != 0 {
		t.Errorf("AdjustedRandIndex() with mismatched lengths = %v, want 0", got)
	}
}

func TestVariationOfInformation(t *testing.T) {
	identical := VariationOfInformation([]int{0, 0, 1, 1, 2, 2}, []int{0, 0, 1, 1, 2, 2})
	if identical > 1e-9 {
		t.Errorf("VariationOfInformation() for identical partitions = %v, want 0", identical)
	}

	orthogonal := VariationOfInformation([]int{0, 0, 0, 1, 1, 1}, []int{0, 1, 0, 1, 0, 1})
	if orthogonal < 0.1 {
		t.Errorf("VariationOfInformation() for orthogonal partitions = %v, want > 0.1", orthogonal)
	}

	// VI is symmetric: distance from live to candidate equals distance
	// from candidate to live.
	ab := VariationOfInformation([]int{0, 0, 1, 1}, []int{0, 1, 1, 1})
	ba := VariationOfInformation([]int{0, 1, 1, 1}, []int{0, 0, 1, 1})
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("VariationOfInformation() asymmetric: %v vs %v", ab, ba)
	}
}
