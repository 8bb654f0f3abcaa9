package trust

import (
	"math"
	"testing"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// With no connections R_agg is 0, so R_trust = (σ(0)+1)/2 = 0.5 and the
// only non-zero term is 0.2·R_trust = 0.1.
func TestAggregateEmptyStoreIsNeutralReciprocityTerm(t *testing.T) {
	cfg := config.Default()
	got := Aggregate(cfg, Inputs{Flags: symbiont.NewFlagSet()})
	if math.Abs(got-0.1) > 1e-9 {
		t.Errorf("Aggregate() for an empty store = %v, want 0.1", got)
	}
}

func TestAggregateClampedToOne(t *testing.T) {
	cfg := config.Default()
	in := Inputs{
		Connections:  []symbiont.Connection{{R: 10}, {R: 10}},
		Capabilities: []CapabilityQuality{{Quality: 1, Volume: 100}},
		Affirmations: []ReceivedAffirmation{{Strength: 1, SenderTrust: 1, Age: 0}},
		Diversity:    1,
		Flags:        symbiont.NewFlagSet(),
	}
	got := Aggregate(cfg, in)
	if got > 1 || got < 0 {
		t.Errorf("Aggregate() = %v, want within [0,1]", got)
	}
}

func TestAggregateRespectsTrustCapFlags(t *testing.T) {
	cfg := config.Default()
	base := Inputs{
		Connections:  []symbiont.Connection{{R: 10}},
		Capabilities: []CapabilityQuality{{Quality: 1, Volume: 100}},
		Affirmations: []ReceivedAffirmation{{Strength: 1, SenderTrust: 1}},
		Diversity:    1,
	}

	base.Flags = symbiont.NewFlagSet()
	unflagged := Aggregate(cfg, base)

	base.Flags = symbiont.NewFlagSet(symbiont.FlagUnderInvestigation)
	flagged := Aggregate(cfg, base)

	if flagged > cfg.TrustCapUnderInvestigation+1e-9 {
		t.Errorf("Aggregate() with UNDER_INVESTIGATION = %v, want <= %v", flagged, cfg.TrustCapUnderInvestigation)
	}
	if flagged >= unflagged {
		t.Errorf("flagged trust %v should be lower than unflagged trust %v", flagged, unflagged)
	}
}

func TestUnknownPeerDefault(t *testing.T) {
	cfg := config.Default()
	got := UnknownPeerDefault(cfg)
	want := cfg.WeightInit * 0.5
	if got != want {
		t.Errorf("UnknownPeerDefault() = %v, want %v", got, want)
	}
}

func TestDiversityCapSinglePartner(t *testing.T) {
	cfg := config.Default()
	// One partner means D = 1/100; even perfect quality, reciprocity
	// and affirmations cannot lift T past D + 0.3.
	in := Inputs{
		Connections:  []symbiont.Connection{{R: 10, Q: 1, W: 1}},
		Capabilities: []CapabilityQuality{{Quality: 1, Volume: 1000}},
		Affirmations: []ReceivedAffirmation{{Strength: 1, SenderTrust: 1}},
		Diversity:    0.01,
		Flags:        symbiont.NewFlagSet(),
	}
	got := Aggregate(cfg, in)
	if got > 0.31 {
		t.Errorf("Aggregate() with a single partner = %v, want <= 0.31 (diversity cap)", got)
	}
}

func TestAgeDecayMonotone(t *testing.T) {
	fresh := ageDecay(0)
	old := ageDecay(30 * 24 * time.Hour)
	if old >= fresh {
		t.Errorf("ageDecay(30d) = %v, want < ageDecay(0) = %v", old, fresh)
	}
}
