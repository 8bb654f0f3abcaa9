// Package defense implements the defense engine: signal creation,
// reception with a Bayesian belief update, priming, the defensive
// action policy, and hop-attenuated propagation. Beliefs only ever
// rise; the clamp at 1 and the per-hop decay keep any single accuser
// from saturating the network.
package defense

import (
	"errors"
	"sync"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/mathx"
	"github.com/symbiont-net/node/internal/symcrypto"
	"github.com/symbiont-net/node/pkg/symbiont"
)

var (
	// ErrSignalInvalidSignature is returned by Receive when the signal's
	// signature fails verification.
	ErrSignalInvalidSignature = errors.New("defense: signal signature invalid")
	// ErrSignalExpired is returned by Receive for a signal older than SignalMaxAge.
	ErrSignalExpired = errors.New("defense: signal older than SignalMaxAge")
)

// ActionPolicy is invoked when a threat belief crosses ActionThreshold.
// The node controller implements this to flag peers, reduce trust
// caps, and (at the expulsion threshold) remove connections.
type ActionPolicy interface {
	ReduceTrustCap(peer symbiont.NodeID, cap float64)
	Flag(peer symbiont.NodeID, flag symbiont.Flag)
	Expel(peer symbiont.NodeID)
}

// TrustedSourceFloor is the minimum projected sender trust for a
// signal's origin to count toward the distinct-source expulsion
// confirmation; a lone accuser cannot expel a peer.
const TrustedSourceFloor = 0.5

// Engine owns threat beliefs and the priming level for a single node.
// Receive and Maintain share a mutex, so belief updates and decay
// serialize.
type Engine struct {
	mu       sync.RWMutex
	cfg      config.Config
	beliefs  map[symbiont.NodeID]*symbiont.ThreatBelief
	priming  float64
	state    symbiont.DefenseState
	hashFunc symcrypto.HashFunc

	// seen de-duplicates signals inside SignalDedupWindow, keyed by the
	// hash of their canonical bytes; replayed messages are idempotent.
	seen map[symbiont.Hash]time.Time

	// origins tracks, per accused peer, the distinct trusted origins
	// whose signals contributed to the belief. Expulsion requires
	// cfg.ExpulsionConfirmations distinct entries.
	origins map[symbiont.NodeID]map[symbiont.NodeID]struct{}
}

// New returns a defense Engine in the Normal state.
func New(cfg config.Config, hashFunc symcrypto.HashFunc) *Engine {
	return &Engine{
		cfg:      cfg,
		beliefs:  make(map[symbiont.NodeID]*symbiont.ThreatBelief),
		state:    symbiont.DefenseNormal,
		hashFunc: hashFunc,
		seen:     make(map[symbiont.Hash]time.Time),
		origins:  make(map[symbiont.NodeID]map[symbiont.NodeID]struct{}),
	}
}

// State returns the current defense state.
func (e *Engine) State() symbiont.DefenseState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Belief returns a copy of the threat belief held for peer, if any.
func (e *Engine) Belief(peer symbiont.NodeID) (symbiont.ThreatBelief, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.beliefs[peer]
	if !ok {
		return symbiont.ThreatBelief{}, false
	}
	return *b, true
}

// CreateSignal constructs an unsigned DefenseSignal for a trigger
// fired by the connection engine, with hops=0 and origin=self.
// The evidence payload is hashed with the engine's configured hash
// function; the caller signs the result with its Signer.
func (e *Engine) CreateSignal(self, threat symbiont.NodeID, threatType string, confidence float64, evidence []byte, now time.Time) symbiont.DefenseSignal {
	return symbiont.DefenseSignal{
		Sender:       self,
		Origin:       self,
		Threat:       threat,
		ThreatType:   threatType,
		Confidence:   mathx.Clamp(confidence, 0, 1),
		EvidenceHash: e.hashFunc(evidence),
		Hops:         0,
		Timestamp:    now,
	}
}

// DispatchTargets filters a node's connections down to the set a newly
// created signal should be sent to: w ≥ ForwardMinWeight, excluding
// the accused peer itself.
func (e *Engine) DispatchTargets(connections map[symbiont.NodeID]symbiont.Connection, accused symbiont.NodeID) []symbiont.NodeID {
	var out []symbiont.NodeID
	for id, c := range connections {
		if id == accused {
			continue
		}
		if c.W >= e.cfg.ForwardMinWeight {
			out = append(out, id)
		}
	}
	return out
}

// ReceiveResult is the outcome of Receive: the updated belief level
// and whether the action policy fired. Duplicate means the signal fell
// inside the de-duplication window and produced no state change.
type ReceiveResult struct {
	NewLevel       float64
	ActionFired    bool
	ExpulsionFired bool
	Duplicate      bool
}

// Receive applies the Bayesian update, primes, and invokes the action
// policy. Signature checking is the caller's: verified carries its
// outcome and a false value rejects the signal. Receive itself checks
// freshness and de-duplication, and uses the caller-supplied
// senderTrust clamped to [0,1].
func (e *Engine) Receive(signal symbiont.DefenseSignal, now time.Time, verified bool, senderTrust float64, policy ActionPolicy) (ReceiveResult, error) {
	if !verified {
		return ReceiveResult{}, ErrSignalInvalidSignature
	}
	if now.Sub(signal.Timestamp) > e.cfg.SignalMaxAge {
		return ReceiveResult{}, ErrSignalExpired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dedupKey := e.hashFunc(signal.CanonicalBytes())
	if at, dup := e.seen[dedupKey]; dup && now.Sub(at) < e.cfg.SignalDedupWindow {
		b := e.beliefs[signal.Threat]
		var level float64
		if b != nil {
			level = b.Level
		}
		return ReceiveResult{NewLevel: level, Duplicate: true}, nil
	}
	e.seen[dedupKey] = now
	e.pruneSeenLocked(now)

	senderTrust = mathx.Clamp(senderTrust, 0, 1)
	weight := senderTrust * signal.Confidence

	belief, ok := e.beliefs[signal.Threat]
	if !ok {
		belief = &symbiont.ThreatBelief{Partner: signal.Threat, ThreatType: signal.ThreatType}
		e.beliefs[signal.Threat] = belief
	}

	if senderTrust >= TrustedSourceFloor {
		srcs, ok := e.origins[signal.Threat]
		if !ok {
			srcs = make(map[symbiont.NodeID]struct{})
			e.origins[signal.Threat] = srcs
		}
		srcs[signal.Origin] = struct{}{}
	}

	belief.Level = mathx.Clamp(belief.Level+weight*(1-belief.Level), 0, 1)
	belief.ThreatType = signal.ThreatType
	belief.Updated = now
	belief.AppendEvidence(signal.EvidenceHash)

	// priming
	e.priming = mathx.Clamp(e.priming+signal.Confidence*e.cfg.PrimingIncrement, 0, 1)
	e.transitionOnSignal()

	result := ReceiveResult{NewLevel: belief.Level}

	if belief.Level >= e.cfg.ActionThreshold {
		result.ActionFired = true
		e.state = symbiont.DefenseDefending
		if policy != nil {
			policy.ReduceTrustCap(signal.Threat, e.cfg.ThreatProjectionCap)
			policy.Flag(signal.Threat, symbiont.FlagUnderInvestigation)
		}
		if belief.Level >= e.cfg.ExpulsionThreshold && len(e.origins[signal.Threat]) >= e.cfg.ExpulsionConfirmations {
			result.ExpulsionFired = true
			if policy != nil {
				policy.Expel(signal.Threat)
			}
		}
	}

	return result, nil
}

// pruneSeenLocked drops de-duplication entries past the window so the
// map stays bounded by signal arrival rate, not lifetime.
func (e *Engine) pruneSeenLocked(now time.Time) {
	if len(e.seen) < 1024 {
		return
	}
	for k, at := range e.seen {
		if now.Sub(at) >= e.cfg.SignalDedupWindow {
			delete(e.seen, k)
		}
	}
}

func (e *Engine) transitionOnSignal() {
	if e.state == symbiont.DefenseNormal {
		e.state = symbiont.DefensePrimed
	}
}

// PropagationDecision is the outcome of ShouldPropagate.
type PropagationDecision struct {
	Forward            bool
	AttenuatedConfidence float64
}

// ShouldPropagate applies the forwarding gate: hop limit,
// attenuated-confidence floor, and forwarding-link weight floor.
func (e *Engine) ShouldPropagate(signal symbiont.DefenseSignal, forwardLinkWeight float64) PropagationDecision {
	if signal.Hops >= e.cfg.MaxHops {
		return PropagationDecision{}
	}
	if signal.Confidence*e.cfg.DecayPerHop < e.cfg.PropagateThreshold {
		return PropagationDecision{}
	}
	if forwardLinkWeight < e.cfg.ForwardMinWeight {
		return PropagationDecision{}
	}

	attenuated := signal.Confidence * e.cfg.DecayPerHop * forwardLinkWeight
	if attenuated < e.cfg.MinSignal {
		return PropagationDecision{}
	}

	return PropagationDecision{Forward: true, AttenuatedConfidence: attenuated}
}

// Forward builds the re-signed, hop-incremented outgoing signal; the
// caller supplies the new Signature via its own Signer after calling
// this to obtain the canonical bytes.
func Forward(signal symbiont.DefenseSignal, forwarder symbiont.NodeID, attenuatedConfidence float64) symbiont.DefenseSignal {
	next := signal
	next.Sender = forwarder
	next.Confidence = attenuatedConfidence
	next.Hops = signal.Hops + 1
	next.Signature = symbiont.Signature{}
	return next
}

// Maintain applies the defense-related steps of the maintenance
// tick: priming decay and the Defending/Primed→Normal transition.
func (e *Engine) Maintain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priming *= e.cfg.PrimingDecay
	if e.priming < e.cfg.PrimingNormalFloor {
		e.state = symbiont.DefenseNormal
	} else if e.state == symbiont.DefenseDefending {
		// resolution: a Defending state whose priming is still at or
		// above the Normal floor returns to Primed on the next tick.
		e.state = symbiont.DefensePrimed
	}
}

// Priming returns the current priming level π.
func (e *Engine) Priming() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.priming
}
