package symbiont

import "time"

// Interaction is a transient record of one completed exchange between
// two nodes, fed into the connection engine via record_interaction
// (RecordInteraction). It is never persisted on its own; only its effect on the
// Connection, CapabilityState and ThreatBelief records survives.
type Interaction struct {
	Initiator  NodeID `json:"initiator"`
	Responder  NodeID `json:"responder"`

	TaskVolume   float64 `json:"taskVolume"`   // Q ≥ 0, opaque unit of work
	CapabilityID string  `json:"capabilityId"`

	Quality float64 `json:"quality"` // q ∈ [0,1]
	Tone    float64 `json:"tone"`    // τ ∈ [-1,1]

	ExchangeIn  float64 `json:"exchangeIn"`  // opaque application-defined unit
	ExchangeOut float64 `json:"exchangeOut"`

	Timestamp time.Time `json:"timestamp"`
}

// Valid rejects ill-formed interactions (NaN, ±Inf, negative volume) so the
// connection engine can drop them without mutating any state.
// Exchange values must also be non-negative and finite;
// quality/tone must fall within their documented ranges.
func (i Interaction) Valid() bool {
	if isBad(i.TaskVolume) || i.TaskVolume < 0 {
		return false
	}
	if isBad(i.ExchangeIn) || i.ExchangeIn < 0 {
		return false
	}
	if isBad(i.ExchangeOut) || i.ExchangeOut < 0 {
		return false
	}
	if isBad(i.Quality) || i.Quality < 0 || i.Quality > 1 {
		return false
	}
	if isBad(i.Tone) || i.Tone < -1 || i.Tone > 1 {
		return false
	}
	return true
}

func isBad(f float64) bool {
	return f-f != 0 // NaN or ±Inf check without importing math in this leaf package
}

// NormalizeQuality maps a 1–5 feedback rubric across four weighted
// dimensions into a single quality ∈ [0,1] scalar. The weights
// (0.4, 0.3, 0.2, 0.1) and the reuse multiplier (1.2/0.8) are fixed
// for feedback interoperability: two nodes scoring the same exchange
// must land on the same quality. Dimensions are, in order: correctness, timeliness,
// communication, reuse-of-prior-context. `reusedContext` applies the
// interoperability multiplier: 1.2 if the step built on a prior
// hand-off's accumulated context, 0.8 if it ignored it.
func NormalizeQuality(correctness, timeliness, communication, reuse float64, reusedContext bool) float64 {
	const (
		wCorrectness   = 0.4
		wTimeliness    = 0.3
		wCommunication = 0.2
		wReuse         = 0.1
	)
	raw := wCorrectness*scaleTo01(correctness) +
		wTimeliness*scaleTo01(timeliness) +
		wCommunication*scaleTo01(communication) +
		wReuse*scaleTo01(reuse)

	if reusedContext {
		raw *= 1.2
	} else {
		raw *= 0.8
	}

	switch {
	case raw < 0:
		return 0
	case raw > 1:
		return 1
	default:
		return raw
	}
}

// scaleTo01 maps a 1-5 rubric score onto [0,1].
func scaleTo01(v float64) float64 {
	s := (v - 1) / 4
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
