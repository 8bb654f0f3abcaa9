package symbiont

import "time"

// Connection weight bounds.
const (
	WeightMin  = 0.01 // W_MIN — connection is removed below this
	WeightMax  = 1.0  // W_MAX
	WeightInit = 0.3  // W_INIT — weight assigned on first interaction
)

// Connection is a node's local, one-sided record of an ongoing
// relationship with a single partner. It is owned exclusively by the
// node that holds it; the partner's mirror record may differ, since
// each endpoint owns its half of the edge independently. Mutated only
// by the connection engine (internal/connection).
type Connection struct {
	Partner NodeID `json:"partner"`

	W float64 `json:"w"` // weight, clamped to [WeightMin, WeightMax]
	R float64 `json:"r"` // reciprocity EMA, unbounded
	Q float64 `json:"q"` // aggregate quality EMA, [0,1]
	T float64 `json:"tau"` // aggregate tone EMA, [-1,1]
	P float64 `json:"priming"` // per-connection priming, [0,1]

	LastActive time.Time `json:"lastActive"`
	Count      uint64    `json:"count"`
}

// NewConnection returns a freshly created connection record with the
// creation defaults: w=WeightInit, r=0, q=0.5, tone=0, count=0.
func NewConnection(partner NodeID, now time.Time) *Connection {
	return &Connection{
		Partner:    partner,
		W:          WeightInit,
		R:          0,
		Q:          0.5,
		T:          0,
		P:          0,
		LastActive: now,
		Count:      0,
	}
}

// CapabilityState is a node's per-capability quality/load record. The
// capability registry is open-set; cap IDs are opaque strings chosen by
// the application.
type CapabilityState struct {
	CapabilityID string    `json:"capabilityId"`
	Quality      float64   `json:"quality"` // [0,1], EMA over observed interaction quality
	Volume       uint32    `json:"volume"`
	LastUsed     time.Time `json:"lastUsed"`
	Available    bool      `json:"available"` // recomputed as Load < 0.9
	Load         float64   `json:"load"`       // [0,1]
}

// NewCapabilityState returns a freshly advertised capability with
// neutral quality and no load.
func NewCapabilityState(capID string) *CapabilityState {
	return &CapabilityState{
		CapabilityID: capID,
		Quality:      0.5,
		Available:    true,
	}
}

// RecomputeAvailability maintains the invariant available ⇔ load < 0.9.
func (c *CapabilityState) RecomputeAvailability() {
	c.Available = c.Load < 0.9
}

// ThreatBelief is this node's local, monotone-non-decreasing belief that
// a partner is malicious, built up from received DefenseSignals.
type ThreatBelief struct {
	Partner    NodeID    `json:"partner"`
	Level      float64   `json:"level"` // [0,1], monotone non-decreasing
	ThreatType string    `json:"threatType"`
	Evidence   []Hash    `json:"evidence"` // bounded buffer of evidence hashes
	Updated    time.Time `json:"updated"`
}

// MaxEvidenceBuffer bounds ThreatBelief.Evidence so a chatty attacker
// cannot grow a node's memory without bound.
const MaxEvidenceBuffer = 64

// AppendEvidence appends a hash to the bounded evidence buffer, dropping
// the oldest entry once MaxEvidenceBuffer is reached.
func (b *ThreatBelief) AppendEvidence(h Hash) {
	b.Evidence = append(b.Evidence, h)
	if len(b.Evidence) > MaxEvidenceBuffer {
		b.Evidence = b.Evidence[len(b.Evidence)-MaxEvidenceBuffer:]
	}
}
