package routing

import (
	"testing"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/pkg/symbiont"
)

func nodeID(b byte) symbiont.NodeID {
	var id symbiont.NodeID
	id[0] = b
	return id
}

func TestRouteLocalShortcut(t *testing.T) {
	cfg := config.Default()
	res := Route(cfg, Task{RequiredCaps: []string{"analysis"}}, LocalState{HasCapability: true, Load: 0.1}, nil, 0.5, 0.5)
	if res.Kind != ResultLocal {
		t.Errorf("Route() = %v, want ResultLocal", res.Kind)
	}
}

func TestRouteNoCandidates(t *testing.T) {
	cfg := config.Default()
	res := Route(cfg, Task{RequiredCaps: []string{"analysis"}}, LocalState{}, nil, 0.5, 0.5)
	if res.Kind != ResultNoCandidates {
		t.Errorf("Route() = %v, want ResultNoCandidates", res.Kind)
	}
}

func TestRoutePicksHighestScore(t *testing.T) {
	cfg := config.Default()
	candidates := []Candidate{
		{ID: nodeID(1), Trust: 0.9, CapQuality: 0.9, Load: 0.1, Available: true, Connected: true, ConnWeight: 0.9},
		{ID: nodeID(2), Trust: 0.5, CapQuality: 0.5, Load: 0.5, Available: true, Connected: true, ConnWeight: 0.3},
	}
	res := Route(cfg, Task{RequiredCaps: []string{"analysis"}}, LocalState{}, candidates, 0.1, 0.1)
	if res.Kind != ResultRouted {
		t.Fatalf("Route() = %v, want ResultRouted", res.Kind)
	}
	if res.Target != nodeID(1) {
		t.Errorf("Route() target = %v, want the higher-scoring candidate", res.Target)
	}
}

func TestRouteDeterministicTieBreak(t *testing.T) {
	cfg := config.Default()
	// Identical trust/quality/load/weight -> score tie -> lexicographic id.
	candidates := []Candidate{
		{ID: nodeID(9), Trust: 0.8, CapQuality: 0.8, Load: 0.2, Available: true, Connected: true, ConnWeight: 0.5},
		{ID: nodeID(2), Trust: 0.8, CapQuality: 0.8, Load: 0.2, Available: true, Connected: true, ConnWeight: 0.5},
	}
	res := Route(cfg, Task{RequiredCaps: []string{"analysis"}}, LocalState{}, candidates, 0.1, 0.1)
	if res.Target != nodeID(2) {
		t.Errorf("Route() tie-break target = %v, want lexicographically smaller id", res.Target)
	}
}

func TestRouteEdgePolicyRejectsLowScore(t *testing.T) {
	cfg := config.Default()
	candidates := []Candidate{
		{ID: nodeID(1), Trust: 0.11, CapQuality: 0.11, Load: 0.9, Available: true, Connected: false},
	}
	res := Route(cfg, Task{RequiredCaps: []string{"analysis"}}, LocalState{}, candidates, 0.1, 0.1)
	if res.Kind != ResultNoCandidates {
		t.Errorf("Route() = %v, want ResultNoCandidates for a below-floor best score", res.Kind)
	}
}

func TestRouteExcludesBlockedAndUnavailable(t *testing.T) {
	cfg := config.Default()
	excluded := nodeID(1)
	candidates := []Candidate{
		{ID: excluded, Trust: 1, CapQuality: 1, Load: 0, Available: true},
		{ID: nodeID(2), Trust: 1, CapQuality: 1, Load: 0, Available: false},
	}
	task := Task{RequiredCaps: []string{"x"}, ExcludedNodes: map[symbiont.NodeID]struct{}{excluded: {}}}
	res := Route(cfg, task, LocalState{}, candidates, 0.1, 0.1)
	if res.Kind != ResultNoCandidates {
		t.Errorf("Route() = %v, want ResultNoCandidates when all candidates excluded or unavailable", res.Kind)
	}
}
