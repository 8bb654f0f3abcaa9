// Package symbiont holds the wire/protocol types shared between a node's
// internal engine packages and anything that talks to it over the network
// or persists its state, kept separate from the engine internals so
// external tooling can import the wire shapes without pulling in the
// engines.
package symbiont

import "encoding/hex"

// NodeID is a 32-byte opaque identifier, cryptographically bound to a
// public key via H(pub). Immutable once derived.
type NodeID [32]byte

// String renders the NodeID as lowercase hex for logs and JSON.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(id) {
		return errInvalidNodeIDLength
	}
	copy(id[:], b)
	return nil
}

// IsZero reports whether this NodeID was never assigned.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

type nodeIDError string

func (e nodeIDError) Error() string { return string(e) }

const errInvalidNodeIDLength = nodeIDError("symbiont: node id must decode to exactly 32 bytes")

// NodeStatus is the lifecycle stage a node occupies in the network, per
// the lifecycle state machine.
type NodeStatus int

const (
	StatusProbationary NodeStatus = iota
	StatusMember
	StatusEstablished
	StatusHub
	StatusExpelled
)

func (s NodeStatus) String() string {
	switch s {
	case StatusProbationary:
		return "probationary"
	case StatusMember:
		return "member"
	case StatusEstablished:
		return "established"
	case StatusHub:
		return "hub"
	case StatusExpelled:
		return "expelled"
	default:
		return "unknown"
	}
}

// DefenseState is the defense readiness state machine, parallel to
// NodeStatus: Normal ↔ Primed ↔ Defending.
type DefenseState int

const (
	DefenseNormal DefenseState = iota
	DefensePrimed
	DefenseDefending
)

func (s DefenseState) String() string {
	switch s {
	case DefenseNormal:
		return "normal"
	case DefensePrimed:
		return "primed"
	case DefenseDefending:
		return "defending"
	default:
		return "unknown"
	}
}

// Flag is a node-level status flag that feeds the trust-cap reduction
// table of the trust aggregator.
type Flag string

const (
	FlagLowDiversity        Flag = "low_diversity"
	FlagUnderInvestigation  Flag = "under_investigation"
	FlagProbationWarning    Flag = "probation_warning"
)

// FlagSet is a small unordered set of Flags. A map is used rather than a
// slice so membership tests and the trust_cap lowering pass in
// internal/trust stay O(1) regardless of how many flags a node collects.
type FlagSet map[Flag]struct{}

func NewFlagSet(flags ...Flag) FlagSet {
	fs := make(FlagSet, len(flags))
	for _, f := range flags {
		fs[f] = struct{}{}
	}
	return fs
}

func (fs FlagSet) Has(f Flag) bool {
	_, ok := fs[f]
	return ok
}

func (fs FlagSet) Set(f Flag) {
	fs[f] = struct{}{}
}

func (fs FlagSet) Clear(f Flag) {
	delete(fs, f)
}
