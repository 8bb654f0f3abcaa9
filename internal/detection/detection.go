// Package detection implements the strategic-adversary and collusion
// detectors. The collusion community finder is a union-find with path
// compression and union by rank over the thresholded interaction
// graph; communities are then scored by internal edge density,
// external/internal ratio, and mean internal rating. The detectors
// only report findings and mutate nothing; the node controller decides
// what to do with them.
package detection

import (
	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/mathx"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// StrategicAdversaryCheck evaluates the strategic-adversary rule
// over a peer's last 100 quality samples (oldest first). trust is
// T(peer) from the trust aggregator.
func StrategicAdversaryCheck(cfg config.Config, history []float64, trust float64) bool {
	n := len(history)
	if n < cfg.StrategicWindowEarly+cfg.StrategicWindowLate {
		return false
	}

	early := history[:cfg.StrategicWindowEarly]
	recent := history[n-cfg.StrategicWindowLate:]

	earlyMean, earlyVar := meanVar(early)
	recentMean, _ := meanVar(recent)

	coldStart := earlyMean > cfg.StrategicEarlyQualityCeiling && earlyVar < cfg.StrategicEarlyVarianceCeiling
	trustedDrop := trust > cfg.StrategicTrustFloor && (earlyMean-recentMean) > cfg.StrategicDropFloor

	return coldStart || trustedDrop
}

func meanVar(values []float64) (mean, variance float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n
	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	variance = sqDiff / n
	return mean, variance
}

// InteractionEdge is one observed pairwise interaction count between
// two peers, the input to the local interaction graph used for
// community detection over.
type InteractionEdge struct {
	A, B         symbiont.NodeID
	Count        int
	MeanRating   float64
}

// unionFind is the community-detection substrate, a direct
// generalization of ClusterEngine from addresses to NodeIDs.
type unionFind struct {
	parent map[symbiont.NodeID]symbiont.NodeID
	rank   map[symbiont.NodeID]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[symbiont.NodeID]symbiont.NodeID), rank: make(map[symbiont.NodeID]int)}
}

func (u *unionFind) find(x symbiont.NodeID) symbiont.NodeID {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
		u.rank[x] = 0
	}
	if u.parent[x] != x {
		u.parent[x] = u.find(u.parent[x])
	}
	return u.parent[x]
}

func (u *unionFind) union(a, b symbiont.NodeID) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		u.parent[ra] = rb
	} else if u.rank[ra] > u.rank[rb] {
		u.parent[rb] = ra
	} else {
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// Community is a detected group of densely-interacting peers along
// with its scoring statistics.
type Community struct {
	Members       []symbiont.NodeID
	Density       float64
	ExternalRatio float64
	MeanRating    float64
	Flagged       bool
}

// DetectCollusion builds the thresholded interaction graph, unions
// peers connected by at least MinInteractions interactions, and scores
// each resulting community of size ≥ CollusionMinCommunity.
func DetectCollusion(cfg config.Config, edges []InteractionEdge) []Community {
	uf := newUnionFind()
	qualifying := make([]InteractionEdge, 0, len(edges))
	for _, e := range edges {
		if e.Count < cfg.CollusionMinInteractions {
			continue
		}
		uf.union(e.A, e.B)
		qualifying = append(qualifying, e)
	}

	members := make(map[symbiont.NodeID][]symbiont.NodeID)
	for id := range uf.parent {
		root := uf.find(id)
		members[root] = append(members[root], id)
	}

	var communities []Community
	for _, group := range members {
		if len(group) < cfg.CollusionMinCommunity {
			continue
		}
		inGroup := make(map[symbiont.NodeID]struct{}, len(group))
		for _, id := range group {
			inGroup[id] = struct{}{}
		}

		var internalEdges, externalEdges int
		var ratingSum float64
		for _, e := range qualifying {
			_, aIn := inGroup[e.A]
			_, bIn := inGroup[e.B]
			switch {
			case aIn && bIn:
				internalEdges++
				ratingSum += e.MeanRating
			case aIn || bIn:
				externalEdges++
			}
		}

		maxInternal := mathx.Comb2(len(group))
		density := mathx.SafeDiv(float64(internalEdges), maxInternal, 0)
		externalRatio := mathx.SafeDiv(float64(externalEdges), float64(internalEdges), 0)
		meanRating := mathx.SafeDiv(ratingSum, float64(internalEdges), 0)

		flagged := density > cfg.CollusionDensityFloor &&
			externalRatio < cfg.CollusionExternalRatioCeiling &&
			meanRating > cfg.CollusionMeanRatingFloor

		communities = append(communities, Community{
			Members:       group,
			Density:       density,
			ExternalRatio: externalRatio,
			MeanRating:    meanRating,
			Flagged:       flagged,
		})
	}

	return communities
}
