// Package node wires the connection, trust, routing, defense, and
// detection engines into a single Node controller: the lifecycle and
// defense state machines, and the maintenance tick loop that decays
// transient state and runs the periodic scans.
package node

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/connection"
	"github.com/symbiont-net/node/internal/defense"
	"github.com/symbiont-net/node/internal/detection"
	"github.com/symbiont-net/node/internal/mathx"
	"github.com/symbiont-net/node/internal/routing"
	"github.com/symbiont-net/node/internal/symcrypto"
	"github.com/symbiont-net/node/internal/trust"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// Node is a single logical participant: it owns a connection engine, a
// defense engine, its own status, and the flags that feed the trust
// aggregator. Node's own fields are guarded by mu; the connection and
// defense engines serialize their state under their own locks.
type Node struct {
	mu sync.RWMutex

	cfg      config.Config
	self     symbiont.NodeID
	signer   symcrypto.Signer
	hashFunc symcrypto.HashFunc

	conn    *connection.Engine
	defense *defense.Engine

	status       symbiont.NodeStatus
	flags        symbiont.FlagSet
	trustCap     float64
	blocked      map[symbiont.NodeID]struct{}

	// peerTrustCaps and peerFlags hold the defensive state applied to
	// individual peers when the action policy fires: a cap on the
	// peer's routing projection and its UNDER_INVESTIGATION marker.
	// Distinct from the node's own trustCap/flags, which only the
	// lifecycle machinery touches.
	peerTrustCaps map[symbiont.NodeID]float64
	peerFlags     map[symbiont.NodeID]symbiont.FlagSet
	affirmations []affirmationRecord
	peerAffirmations map[symbiont.NodeID][]affirmationRecord

	// peerKeys maps a peer's NodeID to its public key, learned during
	// the transport handshake. Read-only after registration.
	peerKeys map[symbiont.NodeID]symbiont.PublicKey

	// peerCapabilities is this node's view of what its peers advertise,
	// fed by whatever gossip/advertisement channel the transport layer
	// carries; routing candidate enumeration reads availability off it.
	peerCapabilities map[symbiont.NodeID]map[string]symbiont.CapabilityState

	interactionCount uint64
	meanQuality      float64
	qualityAtLastCheck float64
	extensions       int
	requiredInteractions uint64
	tickCount        uint64

	// signalSender dispatches defense signals raised outside the
	// synchronous RecordInteraction path (the maintenance tick's
	// adversary scan). Defaults to a no-op; wired by SetSignalSender.
	signalSender func(symbiont.NodeID, symbiont.DefenseSignal)

	// backend is the injected capability-execution surface; what a
	// capability actually does is the embedding application's business.
	// Required only by callers driving workflow.Executor against this
	// node.
	backend CapabilityBackend
}

// CapabilityBackend runs the application-defined work behind a single
// capability once a workflow step lands on this node. The engine is
// agnostic to implementer identity; honest, strategic or free-riding
// behavior all sits behind this one narrow interface.
type CapabilityBackend interface {
	Execute(ctx context.Context, capabilityID string, hctx *symbiont.HandoffContext) ([]byte, error)
}

// SetCapabilityBackend wires the capability-execution backend used by
// ExecuteCapability, satisfying workflow.RoutingNode.
func (n *Node) SetCapabilityBackend(b CapabilityBackend) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backend = b
}

// ID returns this node's own identifier, satisfying workflow.RoutingNode.
func (n *Node) ID() symbiont.NodeID {
	return n.self
}

// ExecuteCapability runs capID against this node's backend, satisfying
// workflow.RoutingNode. The workflow executor calls this once it has
// decided (via Route) that this node is where a step should land.
func (n *Node) ExecuteCapability(ctx context.Context, capID string, hctx *symbiont.HandoffContext) ([]byte, error) {
	n.mu.RLock()
	backend := n.backend
	n.mu.RUnlock()
	if backend == nil {
		return nil, errNoCapabilityBackend
	}
	return backend.Execute(ctx, capID, hctx)
}

var errNoCapabilityBackend = errors.New("node: no capability backend configured")

// affirmationRecord is a received affirmation pinned to its arrival
// time, so the age decay in the social-proof trust term keeps advancing
// instead of being frozen at receipt.
type affirmationRecord struct {
	strength    float64
	senderTrust float64
	receivedAt  time.Time
}

func toTrustAffirmations(records []affirmationRecord, now time.Time) []trust.ReceivedAffirmation {
	out := make([]trust.ReceivedAffirmation, len(records))
	for i, r := range records {
		out[i] = trust.ReceivedAffirmation{
			Strength:    r.strength,
			SenderTrust: r.senderTrust,
			Age:         now.Sub(r.receivedAt),
		}
	}
	return out
}

// New constructs a Node in the Probationary status with a fresh
// connection and defense engine.
func New(cfg config.Config, self symbiont.NodeID, signer symcrypto.Signer, hashFunc symcrypto.HashFunc) *Node {
	return &Node{
		cfg:              cfg,
		self:             self,
		signer:           signer,
		hashFunc:         hashFunc,
		conn:             connection.New(cfg),
		defense:          defense.New(cfg, hashFunc),
		status:           symbiont.StatusProbationary,
		flags:            symbiont.NewFlagSet(),
		trustCap:         1.0,
		blocked:          make(map[symbiont.NodeID]struct{}),
		peerTrustCaps:    make(map[symbiont.NodeID]float64),
		peerFlags:        make(map[symbiont.NodeID]symbiont.FlagSet),
		peerAffirmations: make(map[symbiont.NodeID][]affirmationRecord),
		peerKeys:         make(map[symbiont.NodeID]symbiont.PublicKey),
		peerCapabilities: make(map[symbiont.NodeID]map[string]symbiont.CapabilityState),
	}
}

// RegisterPeerKey records a peer's public key for signature
// verification of its signals, affirmations and hand-offs.
func (n *Node) RegisterPeerKey(peer symbiont.NodeID, pub symbiont.PublicKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peerKeys[peer] = pub
}

func (n *Node) peerKey(peer symbiont.NodeID) (symbiont.PublicKey, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pub, ok := n.peerKeys[peer]
	return pub, ok
}

// RegisterCapability advertises a capability this node itself serves,
// making the routing local shortcut and hand-off receipt possible.
func (n *Node) RegisterCapability(capID string) {
	n.conn.RegisterCapability(capID)
}

// LocalRouteState reports whether this node can serve capID itself,
// for the router's local-shortcut check.
func (n *Node) LocalRouteState(capID string) routing.LocalState {
	c, ok := n.conn.Capability(capID)
	if !ok {
		return routing.LocalState{}
	}
	return routing.LocalState{HasCapability: true, Load: c.Load}
}

// SetSignalSender wires the callback used to dispatch defense signals
// raised by the maintenance tick's detection scans (as opposed to the
// synchronous RecordInteraction path, which takes its own sender).
func (n *Node) SetSignalSender(send func(symbiont.NodeID, symbiont.DefenseSignal)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signalSender = send
}

// emitDetectionSignal constructs and dispatches a signed DefenseSignal
// for a peer flagged by one of the detection scans. The collusion
// branch of Tick also flags and caps each ring member directly before
// calling this.
func (n *Node) emitDetectionSignal(peer symbiont.NodeID, threatType string, confidence float64) {
	n.mu.RLock()
	send := n.signalSender
	n.mu.RUnlock()

	signal := n.defense.CreateSignal(n.self, peer, threatType, confidence, peer[:], n.cfg.Clock())
	signal.Signature = symcrypto.SignCanonical(n.signer, n.hashFunc, signal)
	for _, target := range n.defense.DispatchTargets(n.conn.Connections(), peer) {
		if send != nil {
			send(target, signal)
		}
	}
}

// Status returns the node's current lifecycle status.
func (n *Node) Status() symbiont.NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// DefenseState returns the node's current defense readiness state.
func (n *Node) DefenseState() symbiont.DefenseState {
	return n.defense.State()
}

// Connections exposes the connection engine for callers that need
// read access (routing, API layer) without reaching into Node's lock.
func (n *Node) Connections() *connection.Engine {
	return n.conn
}

// RecordInteraction folds an interaction into the connection engine
// and dispatches any resulting side-effect triggers: affirmations are
// recorded locally, defense triggers become signed DefenseSignals sent
// to qualifying connections via the supplied sender.
func (n *Node) RecordInteraction(i symbiont.Interaction, sendSignal func(symbiont.NodeID, symbiont.DefenseSignal)) (float64, error) {
	threatLevel := n.threatLevelFor(i.Responder)
	w, triggers, err := n.conn.RecordInteraction(i, threatLevel)
	if err != nil {
		return 0, err
	}

	n.mu.Lock()
	n.interactionCount++
	n.meanQuality = (n.meanQuality*float64(n.interactionCount-1) + i.Quality) / float64(n.interactionCount)
	n.mu.Unlock()

	for _, tr := range triggers {
		switch tr.Kind {
		case connection.TriggerAffirmation:
			rec := affirmationRecord{strength: tr.Confidence, senderTrust: 1, receivedAt: n.cfg.Clock()}
			n.mu.Lock()
			n.affirmations = append(n.affirmations, rec)
			n.peerAffirmations[tr.Partner] = append(n.peerAffirmations[tr.Partner], rec)
			n.mu.Unlock()
		case connection.TriggerDefenseSignal:
			signal := n.defense.CreateSignal(n.self, tr.Partner, tr.ThreatType, tr.Confidence, tr.Partner[:], n.cfg.Clock())
			signal.Signature = symcrypto.SignCanonical(n.signer, n.hashFunc, signal)
			for _, target := range n.defense.DispatchTargets(n.conn.Connections(), tr.Partner) {
				if sendSignal != nil {
					sendSignal(target, signal)
				}
			}
		}
	}

	return w, nil
}

func (n *Node) threatLevelFor(peer symbiont.NodeID) float64 {
	belief, ok := n.defense.Belief(peer)
	if !ok {
		return 0
	}
	return belief.Level
}

// Trust computes the node's own aggregate trust score.
func (n *Node) Trust() float64 {
	return n.trustWithConfig(n.cfg)
}

// trustWithConfig recomputes T() against an arbitrary config instead of
// n.cfg, letting ShadowEvaluator price a candidate config change
// against live state without mutating anything.
func (n *Node) trustWithConfig(cfg config.Config) float64 {
	now := n.cfg.Clock()

	n.mu.RLock()
	flags := n.flags
	affirmations := toTrustAffirmations(n.affirmations, now)
	n.mu.RUnlock()

	conns := n.conn.Connections()
	connList := make([]symbiont.Connection, 0, len(conns))
	for _, c := range conns {
		connList = append(connList, c)
	}

	caps := n.conn.Capabilities()
	capQuality := make([]trust.CapabilityQuality, 0, len(caps))
	for _, c := range caps {
		capQuality = append(capQuality, trust.CapabilityQuality{Quality: c.Quality, Volume: c.Volume})
	}

	return trust.Aggregate(cfg, trust.Inputs{
		Connections:  connList,
		Capabilities: capQuality,
		Affirmations: affirmations,
		Diversity:    n.conn.Diversity(),
		Flags:        flags,
	})
}

// PeerTrust projects this node's own estimate of peer's trust from
// purely local evidence: the connection weight, affirmations the peer
// has sent, and any threat belief held against it. Peers never get to
// self-report.
func (n *Node) PeerTrust(peer symbiont.NodeID) float64 {
	c, hasConn := n.conn.Connection(peer)
	belief, _ := n.defense.Belief(peer)
	now := n.cfg.Clock()

	n.mu.RLock()
	affs := toTrustAffirmations(n.peerAffirmations[peer], now)
	n.mu.RUnlock()

	projected := trust.ProjectPeerTrust(n.cfg, trust.PeerProjectionInputs{
		Connection:    c,
		HasConnection: hasConn,
		Affirmations:  affs,
		ThreatLevel:   belief.Level,
	})
	if cap, ok := n.peerTrustCap(peer); ok && projected > cap {
		projected = cap
	}
	return projected
}

// AdvertisePeerCapability records peer's self-advertised capability
// state, as carried by whatever gossip channel the transport layer
// implements. Routing candidate enumeration reads this
// snapshot; it is session-only state, not persisted.
func (n *Node) AdvertisePeerCapability(peer symbiont.NodeID, state symbiont.CapabilityState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	caps, ok := n.peerCapabilities[peer]
	if !ok {
		caps = make(map[string]symbiont.CapabilityState)
		n.peerCapabilities[peer] = caps
	}
	caps[state.CapabilityID] = state
}

// Route implements the node-level routing decision: it assembles
// candidates from known peer capability advertisements and this
// node's own connection/trust/threat state, then delegates scoring to
// internal/routing.Route. local reports whether this node itself can
// serve task.RequiredCaps[0].
func (n *Node) Route(task routing.Task, local routing.LocalState, minTrust, minQuality float64) routing.Result {
	return n.routeWithConfig(n.cfg, task, local, minTrust, minQuality)
}

// routeWithConfig runs the same candidate-assembly and scoring as
// Route but against an arbitrary config instead of n.cfg, letting
// ShadowEvaluator preview a candidate config change's routing outcome
// without committing to it.
func (n *Node) routeWithConfig(cfg config.Config, task routing.Task, local routing.LocalState, minTrust, minQuality float64) routing.Result {
	if len(task.RequiredCaps) == 0 {
		return routing.Result{Kind: routing.ResultFailed, Reason: "no required capability specified"}
	}
	capID := task.RequiredCaps[0]

	n.mu.RLock()
	snapshot := make(map[symbiont.NodeID]symbiont.CapabilityState, len(n.peerCapabilities))
	for peer, caps := range n.peerCapabilities {
		if c, ok := caps[capID]; ok {
			snapshot[peer] = c
		}
	}
	n.mu.RUnlock()

	candidates := make([]routing.Candidate, 0, len(snapshot))
	for peer, capState := range snapshot {
		if n.Blocked(peer) {
			continue
		}
		belief, _ := n.defense.Belief(peer)
		c, hasConn := n.conn.Connection(peer)
		candidates = append(candidates, routing.Candidate{
			ID:          peer,
			Trust:       n.PeerTrust(peer),
			CapQuality:  capState.Quality,
			Load:        capState.Load,
			Available:   capState.Available,
			Connected:   hasConn,
			ConnWeight:  c.W,
			ThreatLevel: belief.Level,
		})
	}

	return routing.Route(cfg, task, local, candidates, minTrust, minQuality)
}

// ReduceTrustCap implements defense.ActionPolicy: caps the accused
// peer's routing projection. The node's own trustCap is untouched —
// holding a belief about a peer is not a mark against the holder.
func (n *Node) ReduceTrustCap(peer symbiont.NodeID, cap float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.peerTrustCaps[peer]; !ok || cap < existing {
		n.peerTrustCaps[peer] = cap
	}
}

// Flag implements defense.ActionPolicy: marks the accused peer.
func (n *Node) Flag(peer symbiont.NodeID, flag symbiont.Flag) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fs, ok := n.peerFlags[peer]
	if !ok {
		fs = symbiont.NewFlagSet()
		n.peerFlags[peer] = fs
	}
	fs.Set(flag)
}

// PeerFlagged reports whether this node holds flag against peer.
func (n *Node) PeerFlagged(peer symbiont.NodeID, flag symbiont.Flag) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	fs, ok := n.peerFlags[peer]
	return ok && fs.Has(flag)
}

func (n *Node) peerTrustCap(peer symbiont.NodeID) (float64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cap, ok := n.peerTrustCaps[peer]
	return cap, ok
}

// Expel implements defense.ActionPolicy: removes the connection and
// blocks the peer from future routing/dispatch.
func (n *Node) Expel(peer symbiont.NodeID) {
	n.conn.Remove(peer)
	n.mu.Lock()
	n.blocked[peer] = struct{}{}
	n.mu.Unlock()
}

// Blocked reports whether peer has been expelled.
func (n *Node) Blocked(peer symbiont.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.blocked[peer]
	return ok
}

// evaluateStatus applies the lifecycle transition table. trustNow is
// the freshly computed T(), passed in because Trust() takes the read
// lock this method holds for writing.
func (n *Node) evaluateStatus(trustNow float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.status {
	case symbiont.StatusProbationary:
		if n.requiredInteractions == 0 {
			n.requiredInteractions = n.cfg.ProbationCountThreshold
		}
		if n.interactionCount >= n.requiredInteractions {
			if n.meanQuality >= n.cfg.ProbationQualityThreshold {
				n.trustCap = minF(1.5*n.trustCap, 0.8)
				n.status = symbiont.StatusMember
			} else {
				// Probation extended: trust penalized, 25 more
				// interactions required before the next evaluation.
				n.extensions++
				n.trustCap *= 0.8
				n.requiredInteractions += 25
				if n.extensions >= n.cfg.ProbationExtensionLimit {
					n.status = symbiont.StatusExpelled
				}
			}
		}
	case symbiont.StatusMember:
		if n.interactionCount >= n.cfg.MemberCountThreshold && n.meanQuality >= n.cfg.MemberQualityThreshold {
			n.status = symbiont.StatusEstablished
		}
	case symbiont.StatusEstablished:
		// promotion to Hub checked by the caller, which has connection
		// count and diversity available without re-entering this lock.
	}

	if n.status == symbiont.StatusMember || n.status == symbiont.StatusEstablished || n.status == symbiont.StatusHub {
		qualityDrop := n.qualityAtLastCheck - n.meanQuality
		if trustNow < n.cfg.DemotionTrustFloor || qualityDrop > n.cfg.DemotionQualityDropDelta {
			n.demoteToProbationLocked()
		}
	}

	n.qualityAtLastCheck = n.meanQuality
}

func (n *Node) demoteToProbationLocked() {
	n.trustCap *= 0.5
	n.status = symbiont.StatusProbationary
	n.interactionCount = 0
	n.meanQuality = 0
	n.extensions = 0
	n.requiredInteractions = n.cfg.ProbationCountThreshold
}

// evaluateHubPromotion checks the Established→Hub transition, which
// needs connection-count and diversity inputs from outside the mutex.
func (n *Node) evaluateHubPromotion(connectionCount int, diversity float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != symbiont.StatusEstablished {
		return
	}
	if connectionCount >= n.cfg.HubConnectionThreshold && diversity >= n.cfg.HubDiversityThreshold && n.meanQuality >= n.cfg.HubQualityThreshold {
		n.status = symbiont.StatusHub
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Tick applies one maintenance pass, in order: priming decay,
// connection idle-decay and floor removal, capability load decay, and
// the periodic diversity/status/detection checks.
func (n *Node) Tick(now time.Time, knownPeerEdges []detection.InteractionEdge) {
	n.defense.Maintain()
	n.conn.Maintain(now)

	n.mu.Lock()
	n.tickCount++
	tick := n.tickCount
	n.mu.Unlock()

	if tick%n.cfg.DiversityCheckInterval == 0 {
		d := n.conn.Diversity()
		n.mu.Lock()
		if d < 0.3 {
			n.flags.Set(symbiont.FlagLowDiversity)
		} else {
			n.flags.Clear(symbiont.FlagLowDiversity)
		}
		n.mu.Unlock()
	}

	if tick%n.cfg.StatusCheckInterval == 0 {
		n.evaluateStatus(n.Trust())
		n.evaluateHubPromotion(len(n.conn.Connections()), n.conn.Diversity())
	}

	if tick%n.cfg.AdversaryScanInterval == 0 {
		communities := detection.DetectCollusion(n.cfg, knownPeerEdges)
		for _, c := range communities {
			if !c.Flagged {
				continue
			}
			log.Printf("node: collusion suspected among %d peers (density=%.2f, external_ratio=%.2f)", len(c.Members), c.Density, c.ExternalRatio)
			confidence := mathx.Clamp(c.Density*c.MeanRating, 0, 1)
			for _, member := range c.Members {
				if member == n.self {
					continue
				}
				n.Flag(member, symbiont.FlagUnderInvestigation)
				n.ReduceTrustCap(member, n.cfg.TrustCapUnderInvestigation)
				n.emitDetectionSignal(member, "collusion", confidence)
			}
		}

		for peer := range n.conn.Connections() {
			history := n.conn.History(peer)
			if detection.StrategicAdversaryCheck(n.cfg, history, n.PeerTrust(peer)) {
				log.Printf("node: strategic-adversary pattern detected for peer %s", peer)
				n.emitDetectionSignal(peer, "strategic_adversary", n.cfg.AdversaryDrop)
			}
		}
	}
}

// Run drives Tick on an interval until ctx is cancelled.
func (n *Node) Run(ctx context.Context, interval time.Duration, peerEdges func() []detection.InteractionEdge) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("node: maintenance loop starting")

	for {
		select {
		case <-ctx.Done():
			log.Println("node: maintenance loop stopping")
			return
		case <-ticker.C:
			var edges []detection.InteractionEdge
			if peerEdges != nil {
				edges = peerEdges()
			}
			n.Tick(n.cfg.Clock(), edges)
		}
	}
}
