// Package trust implements the trust aggregator: a pure function over
// a node's own connection/affirmation store, producing T ∈ [0,1] as a
// weighted blend of capability quality, reciprocity, social proof and
// partner diversity, capped by the diversity bound and any active
// flags.
package trust

import (
	"math"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/mathx"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// CapabilityQuality is a (quality, volume) pair used to compute the
// volume-weighted mean quality across a node's advertised capabilities.
type CapabilityQuality struct {
	Quality float64
	Volume  uint32
}

// ReceivedAffirmation is an affirmation received from a peer, already
// resolved to that peer's trust weight and age.
type ReceivedAffirmation struct {
	Strength    float64
	SenderTrust float64
	Age         time.Duration
}

// Inputs bundles every quantity the aggregation formula reads from the node's
// store, so Aggregate stays a pure function of its arguments.
type Inputs struct {
	Connections  []symbiont.Connection
	Capabilities []CapabilityQuality
	Affirmations []ReceivedAffirmation
	Diversity    float64 // D = unique_partners_last_100/100
	Flags        symbiont.FlagSet
}

// AffirmationHalfLife controls the age-decay applied to S_social; not
// named explicitly in the formula but required by "decayed by age" —
// recorded as an Open Question decision in DESIGN.md.
const AffirmationHalfLife = 7 * 24 * time.Hour

// Aggregate computes the trust score T.
func Aggregate(cfg config.Config, in Inputs) float64 {
	rAgg := 0.0
	if len(in.Connections) > 0 {
		var sum float64
		for _, c := range in.Connections {
			sum += c.R
		}
		rAgg = sum / float64(len(in.Connections))
	}
	sigmaR := mathx.BoundedSigmoid(cfg.SigmoidBeta * rAgg)
	rTrust := (sigmaR + 1) / 2

	qAgg := weightedCapabilityQuality(in.Capabilities)

	sSocial := socialScore(in.Affirmations)

	d := in.Diversity

	tRaw := 0.4*qAgg + 0.2*rTrust + 0.2*sSocial + 0.2*d

	trustCap := capFromFlags(cfg, in.Flags)

	t := minOf(tRaw, d+cfg.DiversityCapOffset, trustCap)
	return mathx.Clamp(t, 0, 1)
}

// UnknownPeerDefault returns the fallback trust for a peer this
// node has no projected metrics for: W_INIT·0.5, or the configured
// override when one is set.
func UnknownPeerDefault(cfg config.Config) float64 {
	if cfg.UnknownPeerTrustDefault > 0 {
		return cfg.UnknownPeerTrustDefault
	}
	return cfg.WeightInit * 0.5
}

// PeerProjectionInputs bundles the local evidence this node's
// projection of a peer's trust is built from. The projection never
// uses the peer's own self-reported trust, only what this node has
// directly observed about it.
type PeerProjectionInputs struct {
	Connection   symbiont.Connection // this node's own record of the peer, if any
	HasConnection bool
	Affirmations []ReceivedAffirmation // affirmations received from this specific peer
	ThreatLevel  float64                // belief level for this peer, 0 if none held
}

// ProjectPeerTrust computes this node's own estimate of a peer's trust
// from purely local evidence: the weight of this node's connection to
// the peer (a stand-in for R_trust/Q_agg when no richer per-peer
// history is tracked), the social signal from affirmations this peer
// specifically has sent, and a penalty proportional to any threat
// belief held against it. Unconnected peers with no affirmations and
// no threat history fall back to UnknownPeerDefault.
func ProjectPeerTrust(cfg config.Config, in PeerProjectionInputs) float64 {
	if !in.HasConnection && len(in.Affirmations) == 0 && in.ThreatLevel == 0 {
		return UnknownPeerDefault(cfg)
	}

	base := UnknownPeerDefault(cfg)
	if in.HasConnection {
		base = in.Connection.W
	}

	social := socialScore(in.Affirmations)
	projected := 0.7*base + 0.3*social

	// A held threat belief directly discounts the projection; this is
	// the routing-time complement to the projection cap the defense
	// action policy places on an accused peer.
	projected *= 1 - in.ThreatLevel

	return mathx.Clamp(projected, 0, 1)
}

func weightedCapabilityQuality(caps []CapabilityQuality) float64 {
	if len(caps) == 0 {
		return 0
	}
	values := make([]float64, len(caps))
	weights := make([]float64, len(caps))
	for i, c := range caps {
		values[i] = c.Quality
		weights[i] = float64(c.Volume)
	}
	return mathx.WeightedMean(values, weights)
}

func socialScore(affs []ReceivedAffirmation) float64 {
	if len(affs) == 0 {
		return 0
	}
	var num, den float64
	for _, a := range affs {
		decay := ageDecay(a.Age)
		weight := a.SenderTrust * decay
		num += weight * a.Strength
		den += weight
	}
	return mathx.SafeDiv(num, den, 0)
}

// ageDecay halves an affirmation's contribution every AffirmationHalfLife.
func ageDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	halflives := float64(age) / float64(AffirmationHalfLife)
	return powHalf(halflives)
}

func powHalf(n float64) float64 {
	return math.Pow(0.5, n)
}

func capFromFlags(cfg config.Config, flags symbiont.FlagSet) float64 {
	cap := 1.0
	if flags.Has(symbiont.FlagLowDiversity) && cfg.TrustCapLowDiversity < cap {
		cap = cfg.TrustCapLowDiversity
	}
	if flags.Has(symbiont.FlagUnderInvestigation) && cfg.TrustCapUnderInvestigation < cap {
		cap = cfg.TrustCapUnderInvestigation
	}
	if flags.Has(symbiont.FlagProbationWarning) && cfg.TrustCapProbationWarning < cap {
		cap = cfg.TrustCapProbationWarning
	}
	return cap
}

func minOf(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
