// Package config centralizes every tunable constant of the trust,
// routing, defense and workflow engines into a single overridable
// struct, plus the small environment-variable helpers the process
// bootstrap uses.
package config

import (
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"
)

// HashAlgorithm names the hash primitives internal/symcrypto offers
// for NodeID derivation and canonical-byte signing. The Config field
// of this type is not read; cmd/symbiont-node selects the hash from
// the SYMBIONT_HASH environment variable.
type HashAlgorithm string

const (
	HashDoubleSHA256 HashAlgorithm = "double-sha256"
	HashBlake256     HashAlgorithm = "blake256"
)

// Clock returns the current time; injected so tests can run the
// maintenance tick and EMA decay deterministically.
type Clock func() time.Time

// Rand is an injectable random source; tests swap in a seeded,
// deterministic one.
type Rand func() float64

// Config collects every tunable constant of the engine formulas.
// Zero-value Config is invalid; always start from Default().
//
// Documented tuning ranges: ReinforceGamma [0.01,0.5], ReinforceMu
// [0.3,0.8], WeightDecayAlpha [0.001,0.1], SigmoidBeta [1.0,4.0],
// EMALambda [0.8,0.99].
type Config struct {
	// math primitives
	EMALambda float64 // λ, EMA memory, default 0.9, valid (0,1)
	Epsilon   float64 // ε added to denominators, default 0.001

	// connection engine
	WeightMin     float64 // W_MIN, default 0.01
	WeightMax     float64 // W_MAX, default 1.0
	WeightInit    float64 // W_INIT, default 0.3
	ThreatTheta   float64 // θ in reciprocity signal, default 0.5
	ReinforceGamma float64 // γ, default 0.1
	ReinforceMu    float64 // μ, default 0.5
	SigmoidBeta    float64 // β in σ(r), default 2.0
	DefenseDelta   float64 // δ in defense dampening D=δ·θ, default 0.2
	WeightDecayAlpha float64 // α, per-tick idle decay / always-on decay term, default 0.01
	IdleThreshold    time.Duration // default 24h

	// trust aggregator
	TrustCapLowDiversity       float64 // default 0.7
	TrustCapUnderInvestigation float64 // default 0.5
	TrustCapProbationWarning   float64 // default 0.6
	DiversityCapOffset         float64 // the "+0.3" in min(T_raw, D+0.3, trust_cap), default 0.3

	// defense engine
	MaxHops              uint8   // MAX_HOPS, default 5
	DecayPerHop          float64 // default 0.8
	PropagateThreshold   float64 // default 0.6
	MinSignal            float64 // default 0.1
	ActionThreshold      float64 // default 0.7
	ThreatProjectionCap  float64 // cap on an accused peer's routing projection once the action fires, default 0.3
	ExpulsionThreshold   float64 // level' ≥ 0.9 removes connection, default 0.9
	AdversaryDrop        float64 // default 0.3
	SignalMaxAge         time.Duration // default 1h, operator-tunable
	SignalDedupWindow    time.Duration // duplicate-signal suppression window, default 1h
	ForwardMinWeight     float64 // forwarding link w ≥ 0.3 gate, default 0.3
	PrimingIncrement     float64 // π += confidence*0.1, default 0.1
	PrimingDecay         float64 // ×0.99 per tick, default 0.99
	PrimingNormalFloor   float64 // π < 0.1 returns to Normal, default 0.1

	// detection
	StrategicWindowEarly int     // first 50 of last 100
	StrategicWindowLate  int     // last 50 of last 100
	StrategicEarlyQualityCeiling float64 // mean(early.quality) > 0.95
	StrategicEarlyVarianceCeiling float64 // var(early.quality) < 0.01
	StrategicTrustFloor  float64 // T(peer) > 0.7
	StrategicDropFloor   float64 // (mean early - mean recent) > 0.3
	CollusionMinInteractions int     // min_interactions graph threshold
	CollusionMinCommunity    int     // community size ≥ 3
	CollusionDensityFloor    float64 // density > 0.85
	CollusionExternalRatioCeiling float64 // external_ratio < 1.0
	CollusionMeanRatingFloor float64 // mean_rating > 0.9

	// node controller & maintenance
	ProbationCountThreshold   uint64  // count ≥ 50
	ProbationQualityThreshold float64 // mean_quality ≥ 0.6
	ProbationExtensionLimit   int     // extensions ≥ 3 → Expelled
	MemberCountThreshold      uint64  // count ≥ 200
	MemberQualityThreshold    float64 // mean_quality ≥ 0.8
	HubConnectionThreshold    int     // |connections| ≥ 20
	HubDiversityThreshold     float64 // diversity ≥ 0.5
	HubQualityThreshold       float64 // mean_quality ≥ 0.85
	DemotionQualityDropDelta  float64 // Δquality > 0.4
	DemotionTrustFloor        float64 // trust < 0.3
	ExpulsionConfirmations    int     // ≥2 distinct trusted sources

	StatusCheckInterval     uint64 // ticks, default 50
	DiversityCheckInterval  uint64 // ticks, default 100
	AdversaryScanInterval   uint64 // ticks, default 200
	CapabilityLoadDecay     float64 // ×0.95 per tick
	CapabilityAvailableCeil float64 // available ⇔ load < 0.9

	// workflow executor
	MaxStepRetries     int           // default 3
	DefaultTaskTimeout time.Duration // DEFAULT_TASK_TIMEOUT, default 30s
	HandoffTimeout     time.Duration // HANDOFF_TIMEOUT, default 10s
	HandoffLoadCeil    float64       // hand-off rejected at load ≥ 0.95
	HandoffLoadUnit    float64       // estimated load added per accepted hand-off

	// routing
	RoutingPreferredMultiplier float64 // ×1.2 for preferred_nodes
	UnknownPeerTrustDefault    float64 // W_INIT·0.5

	// crypto / transport
	HashAlgorithm HashAlgorithm

	Clock Clock
	Rand  Rand
}

// Default returns the Config at the engine's reference constants.
func Default() Config {
	return Config{
		EMALambda: 0.9,
		Epsilon:   0.001,

		WeightMin:        0.01,
		WeightMax:        1.0,
		WeightInit:       0.3,
		ThreatTheta:      0.5,
		ReinforceGamma:   0.1,
		ReinforceMu:      0.5,
		SigmoidBeta:      2.0,
		DefenseDelta:     0.2,
		WeightDecayAlpha: 0.01,
		IdleThreshold:    24 * time.Hour,

		TrustCapLowDiversity:       0.7,
		TrustCapUnderInvestigation: 0.5,
		TrustCapProbationWarning:   0.6,
		DiversityCapOffset:         0.3,

		MaxHops:            5,
		DecayPerHop:        0.8,
		PropagateThreshold: 0.6,
		MinSignal:          0.1,
		ActionThreshold:    0.7,
		ThreatProjectionCap: 0.3,
		ExpulsionThreshold: 0.9,
		AdversaryDrop:      0.3,
		SignalMaxAge:       time.Hour,
		SignalDedupWindow:  time.Hour,
		ForwardMinWeight:   0.3,
		PrimingIncrement:   0.1,
		PrimingDecay:       0.99,
		PrimingNormalFloor: 0.1,

		StrategicWindowEarly:          50,
		StrategicWindowLate:           50,
		StrategicEarlyQualityCeiling:  0.95,
		StrategicEarlyVarianceCeiling: 0.01,
		StrategicTrustFloor:           0.7,
		StrategicDropFloor:            0.3,
		CollusionMinInteractions:      5,
		CollusionMinCommunity:         3,
		CollusionDensityFloor:         0.85,
		CollusionExternalRatioCeiling: 1.0,
		CollusionMeanRatingFloor:      0.9,

		ProbationCountThreshold:   50,
		ProbationQualityThreshold: 0.6,
		ProbationExtensionLimit:   3,
		MemberCountThreshold:      200,
		MemberQualityThreshold:    0.8,
		HubConnectionThreshold:    20,
		HubDiversityThreshold:     0.5,
		HubQualityThreshold:       0.85,
		DemotionQualityDropDelta:  0.4,
		DemotionTrustFloor:        0.3,
		ExpulsionConfirmations:    2,

		StatusCheckInterval:     50,
		DiversityCheckInterval:  100,
		AdversaryScanInterval:   200,
		CapabilityLoadDecay:     0.95,
		CapabilityAvailableCeil: 0.9,

		MaxStepRetries:     3,
		DefaultTaskTimeout: 30 * time.Second,
		HandoffTimeout:     10 * time.Second,
		HandoffLoadCeil:    0.95,
		HandoffLoadUnit:    0.1,

		RoutingPreferredMultiplier: 1.2,
		UnknownPeerTrustDefault:    0.15, // W_INIT·0.5

		HashAlgorithm: HashDoubleSHA256,

		Clock: time.Now,
		Rand:  cryptoRandFloat64Fallback,
	}
}

// defaultSource backs the default Rand. A math/rand source is enough
// here since Rand is never used for anything security-sensitive
// (signing uses crypto/rand directly via internal/symcrypto); no
// package in this module calls Rand.
var defaultSource = rand.New(rand.NewSource(1))

func cryptoRandFloat64Fallback() float64 {
	return defaultSource.Float64()
}

// RequireEnv reads a required environment variable and exits if unset.
func RequireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return val
}

// GetEnvOrDefault returns the env var value or fallback.
func GetEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// GetEnvFloatOrDefault parses a float64 env var, falling back (and
// logging) on a missing or malformed value.
func GetEnvFloatOrDefault(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		log.Printf("warning: %s=%q is not a float, using default %v", key, val, fallback)
		return fallback
	}
	return f
}
