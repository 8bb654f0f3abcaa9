// Package routing implements the capability-aware routing scorer:
// candidate gating first, then a multiplicative score over trust,
// capability quality, load headroom, connection weight and threat
// discount, with a fully deterministic tie-break.
package routing

import (
	"sort"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// ResultKind is the discriminant of a RoutingResult.
type ResultKind int

const (
	ResultLocal ResultKind = iota
	ResultRouted
	ResultNoCandidates
	ResultFailed
)

// Result is the outcome of Route.
type Result struct {
	Kind   ResultKind
	Target symbiont.NodeID
	Score  float64
	Reason string // populated only for ResultFailed
}

// Task is the minimal routing request.
type Task struct {
	RequiredCaps     []string
	ExcludedNodes    map[symbiont.NodeID]struct{}
	PreferredNodes   map[symbiont.NodeID]struct{}
}

// Candidate is a peer's state as known to the router at route time.
type Candidate struct {
	ID          symbiont.NodeID
	Trust       float64
	CapQuality  float64
	Load        float64
	Available   bool
	Connected   bool
	ConnWeight  float64 // w if Connected, else ignored
	ThreatLevel float64 // θ_threat
}

// LocalState describes whether this node can serve the task itself.
type LocalState struct {
	HasCapability bool
	Load          float64
	ExcludesSelf  bool
}

// Route implements the routing decision: local shortcut, candidate
// enumeration, scoring, deterministic tie-break, edge policy.
func Route(cfg config.Config, task Task, local LocalState, candidates []Candidate, minTrust, minQuality float64) Result {
	if len(task.RequiredCaps) == 0 {
		return Result{Kind: ResultFailed, Reason: "no required capability specified"}
	}

	// 2. local shortcut
	if local.HasCapability && local.Load < 0.9 && !local.ExcludesSelf {
		return Result{Kind: ResultLocal}
	}

	// 3. enumerate eligible candidates
	var eligible []Candidate
	for _, c := range candidates {
		if _, excluded := task.ExcludedNodes[c.ID]; excluded {
			continue
		}
		if !c.Available {
			continue
		}
		if c.Trust < minTrust || c.CapQuality < minQuality {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Result{Kind: ResultNoCandidates}
	}

	// 4. score
	type scored struct {
		c     Candidate
		score float64
	}
	scoredCandidates := make([]scored, 0, len(eligible))
	for _, c := range eligible {
		wConn := c.ConnWeight
		if !c.Connected {
			wConn = cfg.WeightInit
		}
		s := c.Trust * c.CapQuality * (1 - c.Load) * wConn * (1 - c.ThreatLevel)
		if _, preferred := task.PreferredNodes[c.ID]; preferred {
			s *= cfg.RoutingPreferredMultiplier
		}
		scoredCandidates = append(scoredCandidates, scored{c: c, score: s})
	}

	// 5. sort descending by score, then higher w_conn, then lower load,
	// then lexicographic peer_id, for a fully deterministic order.
	sort.Slice(scoredCandidates, func(i, j int) bool {
		a, b := scoredCandidates[i], scoredCandidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		wa, wb := a.c.ConnWeight, b.c.ConnWeight
		if !a.c.Connected {
			wa = cfg.WeightInit
		}
		if !b.c.Connected {
			wb = cfg.WeightInit
		}
		if wa != wb {
			return wa > wb
		}
		if a.c.Load != b.c.Load {
			return a.c.Load < b.c.Load
		}
		return a.c.ID.String() < b.c.ID.String()
	})

	best := scoredCandidates[0]

	// edge policy
	floor := minTrust * minQuality * cfg.WeightInit
	if best.score < floor {
		return Result{Kind: ResultNoCandidates}
	}

	return Result{Kind: ResultRouted, Target: best.c.ID, Score: best.score}
}
