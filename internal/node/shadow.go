package node

import (
	"log"
	"math"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/routing"
)

// shadowTrustDivergence is the absolute trust-score delta past which a
// candidate config is logged as diverging from the live decision; a
// fixed threshold rather than 0 since float EMA state makes exact
// equality meaningless.
const shadowTrustDivergence = 0.01

// ShadowEvaluator runs a routing or trust decision against a candidate
// config change and reports the counterfactual outcome without
// mutating this node's live state: the candidate config runs side by
// side with the real one, the outcomes are diffed and logged, and the
// candidate never touches persisted state.
type ShadowEvaluator struct {
	node *Node
}

// NewShadowEvaluator returns a ShadowEvaluator bound to n's live state.
func NewShadowEvaluator(n *Node) *ShadowEvaluator {
	return &ShadowEvaluator{node: n}
}

// ShadowRouteDecision is the diff between the live routing decision
// and what the same task would have produced under a candidate config.
type ShadowRouteDecision struct {
	Live      routing.Result
	Candidate routing.Result
	Diverged  bool
}

// EvaluateRoute runs task through both the node's live config and
// candidateCfg, logging any divergence in routing outcome.
func (s *ShadowEvaluator) EvaluateRoute(task routing.Task, local routing.LocalState, candidateCfg config.Config, minTrust, minQuality float64) ShadowRouteDecision {
	live := s.node.Route(task, local, minTrust, minQuality)
	candidate := s.node.routeWithConfig(candidateCfg, task, local, minTrust, minQuality)

	diverged := live.Kind != candidate.Kind || live.Target != candidate.Target
	if diverged {
		log.Printf("shadow: routing decision diverges under candidate config: live=%+v candidate=%+v", live, candidate)
	}
	return ShadowRouteDecision{Live: live, Candidate: candidate, Diverged: diverged}
}

// ShadowTrustDecision is the diff between the node's live trust score
// and what it would be under a candidate config.
type ShadowTrustDecision struct {
	Live      float64
	Candidate float64
	Diverged  bool
}

// EvaluateTrust recomputes T() under candidateCfg and logs any
// divergence past shadowTrustDivergence from the live value.
func (s *ShadowEvaluator) EvaluateTrust(candidateCfg config.Config) ShadowTrustDecision {
	live := s.node.Trust()
	candidate := s.node.trustWithConfig(candidateCfg)

	diverged := math.Abs(live-candidate) > shadowTrustDivergence
	if diverged {
		log.Printf("shadow: trust diverges under candidate config: live=%.4f candidate=%.4f", live, candidate)
	}
	return ShadowTrustDecision{Live: live, Candidate: candidate, Diverged: diverged}
}
