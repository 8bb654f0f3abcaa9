// Package shadow compares two community-detection partitions over the
// same node set — typically the live collusion communities
// detection.DetectCollusion reports under the active config versus
// what it would report under a candidate config — using the Adjusted
// Rand Index and Variation of Information from internal/metrics.
package shadow

import (
	"github.com/symbiont-net/node/internal/metrics"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// Partition maps a node to the integer label of the community one run
// of collusion detection assigned it to.
type Partition map[symbiont.NodeID]int

// Evaluator compares two partitions over a common node set.
type Evaluator struct{}

// NewEvaluator returns an Evaluator. It holds no state: every
// comparison is a pure function of the two partitions passed in.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// AdjustedRandIndex reports structural agreement between baseline and
// candidate partitions restricted to nodes present in both: +1
// identical, 0 no better than random, negative anti-correlated.
func (e *Evaluator) AdjustedRandIndex(baseline, candidate Partition) float64 {
	b, c := alignedLabels(baseline, candidate)
	return metrics.AdjustedRandIndex(c, b)
}

// VariationOfInformation reports the information-theoretic distance
// between baseline and candidate partitions restricted to nodes
// present in both; 0 means identical, larger is more divergent.
func (e *Evaluator) VariationOfInformation(baseline, candidate Partition) float64 {
	b, c := alignedLabels(baseline, candidate)
	return metrics.VariationOfInformation(c, b)
}

// alignedLabels returns baseline/candidate labels over the node set
// common to both partitions, in map iteration order (the order
// doesn't matter here since both slices are built from the same
// traversal).
func alignedLabels(baseline, candidate Partition) (b, c []int) {
	for node, bl := range baseline {
		if cl, ok := candidate[node]; ok {
			b = append(b, bl)
			c = append(c, cl)
		}
	}
	return b, c
}
