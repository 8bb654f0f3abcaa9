package symbiont

import (
	"math"
	"time"
)

// Protocol constants for defense-signal propagation. A signal loses
// DecayPerHop of its confidence per forwarded hop and dies when it
// drops below MinSignal or travels MaxHops.
const (
	MaxHops              = 5    // MAX_HOPS
	DecayPerHop          = 0.8  // DECAY_PER_HOP
	PropagateThreshold   = 0.6  // PROPAGATE_THRESHOLD
	MinSignal            = 0.1  // MIN_SIGNAL
	ActionThreshold      = 0.7  // ACTION_THRESHOLD
	AdversaryDropDefault = 0.3  // ADVERSARY_DROP
	SignalMaxAge         = time.Hour
)

// DefenseSignal is a signed warning about a peer, propagated through
// the network with hop attenuation. Every field except Signature is
// covered by the signature, serialized in the field order below
// the signature covers every preceding field.
type DefenseSignal struct {
	Sender       NodeID    `json:"sender"` // the node that is forwarding/re-signing this hop
	Origin       NodeID    `json:"origin"` // the node that first observed the trigger
	Threat       NodeID    `json:"threat"` // the accused peer
	ThreatType   string    `json:"threatType"`
	Confidence   float64   `json:"confidence"` // [0,1]
	EvidenceHash Hash      `json:"evidenceHash"`
	Hops         uint8     `json:"hops"` // ≤ MaxHops
	Timestamp    time.Time `json:"timestamp"`
	Signature    Signature `json:"signature"`
}

// CanonicalBytes returns the deterministic byte encoding that is
// hashed and signed, covering every field except Signature itself, in
// a fixed field order.
func (s DefenseSignal) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, s.Sender[:]...)
	buf = append(buf, s.Origin[:]...)
	buf = append(buf, s.Threat[:]...)
	buf = append(buf, []byte(s.ThreatType)...)
	buf = appendFloat64(buf, s.Confidence)
	buf = append(buf, s.EvidenceHash[:]...)
	buf = append(buf, s.Hops)
	buf = appendInt64(buf, s.Timestamp.UnixNano())
	return buf
}

// AffirmationType enumerates the positive-feedback categories.
type AffirmationType string

const (
	AffirmationQuality       AffirmationType = "quality"
	AffirmationReliability   AffirmationType = "reliability"
	AffirmationCollaboration AffirmationType = "collaboration"
	AffirmationGrowth        AffirmationType = "growth"
)

// Affirmation is signed positive feedback between peers.
type Affirmation struct {
	From      NodeID          `json:"from"`
	To        NodeID          `json:"to"`
	Type      AffirmationType `json:"type"`
	Strength  float64         `json:"strength"` // [0,1]
	Timestamp time.Time       `json:"timestamp"`
	Signature Signature       `json:"signature"`
}

func (a Affirmation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, a.From[:]...)
	buf = append(buf, a.To[:]...)
	buf = append(buf, []byte(a.Type)...)
	buf = appendFloat64(buf, a.Strength)
	buf = appendInt64(buf, a.Timestamp.UnixNano())
	return buf
}

func appendFloat64(buf []byte, f float64) []byte {
	return appendUint64(buf, math.Float64bits(f))
}

func appendInt64(buf []byte, i int64) []byte {
	return appendUint64(buf, uint64(i))
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return append(buf, b[:]...)
}
