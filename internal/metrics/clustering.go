// Package metrics compares two community partitions of the same peer
// set — typically the collusion communities the detector reports under
// the live config versus a shadow candidate config. Both measures are
// label-invariant: only the grouping matters, not which integer names
// each community.
package metrics

import "math"

// contingency is the cross-tabulation of two labelings over the same
// elements: cell (i,j) counts elements assigned to community i by the
// first labeling and community j by the second. Both ARI and VI are
// functions of this table alone.
type contingency struct {
	cells   [][]int
	rowSums []int
	colSums []int
	n       int
}

func crossTabulate(a, b []int) contingency {
	aIdx := labelIndex(a)
	bIdx := labelIndex(b)

	cells := make([][]int, len(aIdx))
	for i := range cells {
		cells[i] = make([]int, len(bIdx))
	}
	for k := range a {
		cells[aIdx[a[k]]][bIdx[b[k]]]++
	}

	t := contingency{cells: cells, rowSums: make([]int, len(aIdx)), colSums: make([]int, len(bIdx)), n: len(a)}
	for i, row := range cells {
		for j, c := range row {
			t.rowSums[i] += c
			t.colSums[j] += c
		}
	}
	return t
}

func labelIndex(labels []int) map[int]int {
	idx := make(map[int]int)
	for _, l := range labels {
		if _, ok := idx[l]; !ok {
			idx[l] = len(idx)
		}
	}
	return idx
}

// AdjustedRandIndex measures structural agreement between two
// partitions, corrected for chance: 1 means identical groupings, 0
// means no better than random assignment, negative means systematic
// disagreement. Used to quantify how much a candidate config would
// reshape the collusion communities the detector finds.
func AdjustedRandIndex(a, b []int) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	t := crossTabulate(a, b)

	var sumCells, sumRows, sumCols float64
	for _, row := range t.cells {
		for _, c := range row {
			sumCells += pairs(c)
		}
	}
	for _, r := range t.rowSums {
		sumRows += pairs(r)
	}
	for _, c := range t.colSums {
		sumCols += pairs(c)
	}

	total := pairs(t.n)
	if total == 0 {
		return 0
	}
	expected := sumRows * sumCols / total
	maximum := (sumRows + sumCols) / 2

	denom := maximum - expected
	if math.Abs(denom) < 1e-12 {
		// Both partitions are all-singletons or one community; they
		// agree perfectly with each other by construction.
		return 1
	}
	return (sumCells - expected) / denom
}

// VariationOfInformation is the information-theoretic distance between
// two partitions: the entropy each labeling holds that the other does
// not. 0 means identical; the score grows as communities split or
// merge between the two runs. Unlike ARI it is a true metric, so
// shadow comparisons across several candidate configs can be ranked by
// distance from the live partition.
func VariationOfInformation(a, b []int) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	t := crossTabulate(a, b)
	nf := float64(t.n)

	var vi float64
	for i, row := range t.cells {
		for j, c := range row {
			if c == 0 {
				continue
			}
			p := float64(c) / nf
			// H(A|B) contribution + H(B|A) contribution for this cell.
			vi -= p * math.Log2(float64(c)/float64(t.colSums[j]))
			vi -= p * math.Log2(float64(c)/float64(t.rowSums[i]))
		}
	}
	return vi
}

// pairs is C(n,2), the number of unordered element pairs in a block.
func pairs(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2
}
