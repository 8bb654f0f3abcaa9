package symbiont

import "encoding/hex"

// Hash is a 32-byte digest, produced by whatever hash primitive the
// node's injected crypto package uses (the double-SHA256 chainhash
// already in this module's dependency closure, or Blake256 — see
// internal/symcrypto). Kept as a plain array here so pkg/symbiont
// has no dependency on the concrete hash implementation.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Signature is a 64-byte signature, matching both Ed25519 and compact
// secp256k1 Schnorr (r‖s) output sizes.
type Signature [64]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// PublicKey is a 32-byte public key, matching Ed25519's key size.
type PublicKey [32]byte

func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }
