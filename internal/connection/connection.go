// Package connection implements the Physarum-inspired connection
// engine: a single RecordInteraction entry point that folds each
// interaction into a partner's weight, reciprocity, quality and tone
// state, and emits side-effect events (affirmations, defense
// triggers) for the node controller to act on.
//
// The weight follows the discrete form of dw/dt = Φ − αw − D:
// reinforcement sublinear in volume, decay proportional to the current
// weight, and a dampening term driven by the partner's threat level.
package connection

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/mathx"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// ErrIllFormedInteraction is returned by RecordInteraction when the
// input fails the validity check; no state is mutated.
var ErrIllFormedInteraction = errors.New("connection: ill-formed interaction rejected")

// TriggerKind enumerates the post-interaction side effects the engine
// emits but does not itself act on; dispatch happens outside the
// synchronous update.
type TriggerKind int

const (
	TriggerAffirmation TriggerKind = iota
	TriggerDefenseSignal
)

// Trigger is a side-effect event produced by RecordInteraction.
type Trigger struct {
	Kind       TriggerKind
	Partner    symbiont.NodeID
	ThreatType string // populated only for TriggerDefenseSignal
	Confidence float64
}

// Engine owns the connection map for a single node. Every mutating
// method (RecordInteraction, Maintain, RegisterCapability, AdjustLoad,
// Remove) takes the engine's mutex for its whole duration, so the
// mutex is the single linearization point for connection state.
type Engine struct {
	mu          sync.RWMutex
	cfg         config.Config
	connections map[symbiont.NodeID]*symbiont.Connection
	capabilities map[string]*symbiont.CapabilityState

	// interactionHistory retains, per partner, the quality samples
	// needed by the strategic-adversary detector: the last 100
	// interactions split into an early/recent window.
	interactionHistory map[symbiont.NodeID][]float64
}

const maxHistoryPerPartner = 100

// New returns an Engine with no connections and no capabilities.
func New(cfg config.Config) *Engine {
	return &Engine{
		cfg:                cfg,
		connections:        make(map[symbiont.NodeID]*symbiont.Connection),
		capabilities:       make(map[string]*symbiont.CapabilityState),
		interactionHistory: make(map[symbiont.NodeID][]float64),
	}
}

// Connection returns a copy of the connection record for partner, and
// whether one exists.
func (e *Engine) Connection(partner symbiont.NodeID) (symbiont.Connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.connections[partner]
	if !ok {
		return symbiont.Connection{}, false
	}
	return *c, true
}

// Connections returns a snapshot copy of every connection, keyed by
// partner. Safe for callers to range over without holding the lock.
func (e *Engine) Connections() map[symbiont.NodeID]symbiont.Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[symbiont.NodeID]symbiont.Connection, len(e.connections))
	for k, v := range e.connections {
		out[k] = *v
	}
	return out
}

// Capability returns a copy of the capability state for capID.
func (e *Engine) Capability(capID string) (symbiont.CapabilityState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.capabilities[capID]
	if !ok {
		return symbiont.CapabilityState{}, false
	}
	return *c, true
}

// Capabilities returns a snapshot copy of every capability state this
// node advertises, the input to the volume-weighted Q_agg term of the
// trust aggregator.
func (e *Engine) Capabilities() []symbiont.CapabilityState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]symbiont.CapabilityState, 0, len(e.capabilities))
	for _, c := range e.capabilities {
		out = append(out, *c)
	}
	return out
}

// RegisterCapability advertises a capability this node can serve before
// any interaction has exercised it. Idempotent.
func (e *Engine) RegisterCapability(capID string) {
	if capID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.capabilities[capID]; !ok {
		e.capabilities[capID] = symbiont.NewCapabilityState(capID)
	}
}

// AdjustLoad shifts a capability's load by delta, clamped to [0,1], and
// recomputes availability. Accepted hand-offs add an estimated unit;
// completions subtract it.
func (e *Engine) AdjustLoad(capID string, delta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.capabilities[capID]
	if !ok {
		return
	}
	c.Load = mathx.Clamp(c.Load+delta, 0, 1)
	c.RecomputeAvailability()
}

// RecordInteraction applies the connection update, in order, to the
// connection with i.Responder (from i.Initiator's perspective — the
// caller is always the node that owns this Engine). Returns the new
// weight and any side-effect triggers. threatLevel is θ, the
// externally-assessed threat level of the partner at call time (0 if
// none).
func (e *Engine) RecordInteraction(i symbiont.Interaction, threatLevel float64) (float64, []Trigger, error) {
	if !i.Valid() {
		return 0, nil, ErrIllFormedInteraction
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.cfg.Clock()
	partner := i.Responder

	// 1. create on first interaction
	c, ok := e.connections[partner]
	if !ok {
		c = &symbiont.Connection{
			Partner:    partner,
			W:          e.cfg.WeightInit,
			R:          0,
			Q:          0.5,
			T:          0,
			LastActive: now,
		}
		e.connections[partner] = c
	}

	lambda := e.cfg.EMALambda
	eps := e.cfg.Epsilon

	// 2. exchange ratio and reciprocity signal
	rho := (i.ExchangeIn + eps) / (i.ExchangeOut + eps)
	s := math.Log(math.Max(rho, eps)) + e.cfg.ThreatTheta*(i.Quality-0.5)

	// 3. reciprocity EMA
	c.R = mathx.EMA(c.R, s, 1-lambda)

	// 4. quality EMA, plus per-capability quality/volume
	c.Q = mathx.EMA(c.Q, i.Quality, 1-lambda)
	e.recordCapability(i.CapabilityID, i.Quality, now)

	// 5. tone EMA
	c.T = mathx.EMA(c.T, i.Tone, 1-lambda)

	// 6. reinforcement
	sigmaR := mathx.BoundedSigmoid(e.cfg.SigmoidBeta * c.R)
	psiQ := 0.5 + c.Q
	phiT := 0.7 + 0.3*c.T
	phi := e.cfg.ReinforceGamma * math.Pow(math.Abs(i.TaskVolume), e.cfg.ReinforceMu) * sigmaR * psiQ * phiT

	// 7. defense dampening
	d := e.cfg.DefenseDelta * threatLevel

	// 8. clamp
	c.W = mathx.Clamp(c.W+phi-e.cfg.WeightDecayAlpha*c.W-d, e.cfg.WeightMin, e.cfg.WeightMax)

	// 9. bookkeeping
	c.LastActive = now
	c.Count++

	e.appendHistory(partner, i.Quality)

	return c.W, e.triggers(partner, c, i, threatLevel), nil
}

func (e *Engine) recordCapability(capID string, quality float64, now time.Time) {
	if capID == "" {
		return
	}
	cap, ok := e.capabilities[capID]
	if !ok {
		cap = symbiont.NewCapabilityState(capID)
		e.capabilities[capID] = cap
	}
	cap.Quality = mathx.EMA(cap.Quality, quality, 1-e.cfg.EMALambda)
	cap.Volume++
	cap.LastUsed = now
}

func (e *Engine) appendHistory(partner symbiont.NodeID, quality float64) {
	h := append(e.interactionHistory[partner], quality)
	if len(h) > maxHistoryPerPartner {
		h = h[len(h)-maxHistoryPerPartner:]
	}
	e.interactionHistory[partner] = h
}

// History returns a copy of the bounded quality history kept for
// partner, used by the strategic-adversary detector.
func (e *Engine) History(partner symbiont.NodeID) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]float64{}, e.interactionHistory[partner]...)
}

// triggers evaluates the post-update side-effect conditions.
func (e *Engine) triggers(partner symbiont.NodeID, c *symbiont.Connection, i symbiont.Interaction, threatLevel float64) []Trigger {
	var out []Trigger

	if i.Quality > 0.8 && i.Tone > 0.5 {
		out = append(out, Trigger{Kind: TriggerAffirmation, Partner: partner, Confidence: i.Quality})
	}

	lowQualitySustained := c.Q < 0.3 && c.Count >= 10
	lowReciprocity := c.R < -1.5
	hostileTone := c.T < -0.5
	if lowQualitySustained || lowReciprocity || hostileTone {
		confidence := mathx.Clamp((e.cfg.AdversaryDrop-c.Q)/e.cfg.AdversaryDrop, 0, 1)
		if confidence == 0 {
			confidence = 0.5 // reciprocity/tone triggers without a quality-drop magnitude to scale from
		}
		out = append(out, Trigger{
			Kind:       TriggerDefenseSignal,
			Partner:    partner,
			ThreatType: "quality_degradation",
			Confidence: confidence,
		})
	}

	return out
}

// Remove deletes partner's connection record, used by maintenance when
// w falls below WeightMin or the peer is blocked.
func (e *Engine) Remove(partner symbiont.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connections, partner)
}

// Maintain applies the connection-related steps of the maintenance
// tick: idle decay, weight-floor removal, and capability
// load decay. Priming decay and status transitions live in
// internal/node, which orchestrates the full tick order.
func (e *Engine) Maintain(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for partner, c := range e.connections {
		if now.Sub(c.LastActive) > e.cfg.IdleThreshold {
			c.W *= 1 - e.cfg.WeightDecayAlpha
		}
		c.P *= e.cfg.PrimingDecay
		if c.W < e.cfg.WeightMin {
			delete(e.connections, partner)
		}
	}

	for _, cap := range e.capabilities {
		cap.Load *= e.cfg.CapabilityLoadDecay
		cap.RecomputeAvailability()
	}
}

// Diversity returns D = unique_partners_last_100 / 100, computed over
// currently-held connections as
// a proxy for "partners interacted with in the last 100 ticks" — the
// node controller is responsible for windowing this by actual
// interaction recency if a stricter accounting is required.
func (e *Engine) Diversity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return mathx.Clamp(float64(len(e.connections))/100.0, 0, 1)
}
