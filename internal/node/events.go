package node

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/symbiont-net/node/internal/defense"
	"github.com/symbiont-net/node/internal/symcrypto"
	"github.com/symbiont-net/node/internal/transport"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// HandleDefenseSignal is the signal reception path: verify the sender's
// signature, apply the Bayesian belief update with this node as the
// action policy, then evaluate hop-attenuated propagation over every
// qualifying connection (never back to the immediate sender, never to
// the accused peer). Forwarded copies are re-signed by this node.
func (n *Node) HandleDefenseSignal(from symbiont.NodeID, signal symbiont.DefenseSignal, now time.Time) (defense.ReceiveResult, error) {
	pub, ok := n.peerKey(signal.Sender)
	verified := ok && symcrypto.VerifyCanonical(n.signer, n.hashFunc, pub, signal, signal.Signature)
	if !verified {
		return defense.ReceiveResult{}, symbiont.NewError(symbiont.KindInvalidSignature, "defense signal sender unverifiable")
	}

	senderTrust := n.PeerTrust(signal.Sender)
	result, err := n.defense.Receive(signal, now, true, senderTrust, n)
	if err != nil {
		return result, err
	}
	if result.Duplicate {
		return result, nil
	}

	n.mu.RLock()
	send := n.signalSender
	n.mu.RUnlock()
	if send == nil {
		return result, nil
	}

	for peer, c := range n.conn.Connections() {
		if peer == from || peer == signal.Threat || peer == signal.Origin {
			continue
		}
		decision := n.defense.ShouldPropagate(signal, c.W)
		if !decision.Forward {
			continue
		}
		forwarded := defense.Forward(signal, n.self, decision.AttenuatedConfidence)
		forwarded.Signature = symcrypto.SignCanonical(n.signer, n.hashFunc, forwarded)
		send(peer, forwarded)
	}

	return result, nil
}

// affirmationOutlierSigma is the integrity bound: an affirmation
// whose strength sits more than 2.5σ from the sender's own history is
// Rejected and dropped.
const affirmationOutlierSigma = 2.5

// affirmationOutlierMinSamples is how much per-sender history must
// exist before the outlier test is meaningful.
const affirmationOutlierMinSamples = 10

// ReceiveAffirmation verifies and records an affirmation from a peer.
// Rejections return a typed error (InvalidSignature or Rejected);
// a Rejected affirmation is dropped and nothing is added to S_social.
// No tally of rejections is kept against the sender.
func (n *Node) ReceiveAffirmation(aff symbiont.Affirmation, now time.Time) error {
	pub, ok := n.peerKey(aff.From)
	if !ok || !symcrypto.VerifyCanonical(n.signer, n.hashFunc, pub, aff, aff.Signature) {
		return symbiont.NewError(symbiont.KindInvalidSignature, "affirmation sender unverifiable")
	}
	if aff.To != n.self {
		return symbiont.NewError(symbiont.KindRejected, "affirmation addressed to another node")
	}
	if aff.Strength < 0 || aff.Strength > 1 || math.IsNaN(aff.Strength) {
		return symbiont.NewError(symbiont.KindRejected, "affirmation strength out of range")
	}

	senderTrust := n.PeerTrust(aff.From)

	n.mu.Lock()
	defer n.mu.Unlock()

	history := n.peerAffirmations[aff.From]
	if len(history) >= affirmationOutlierMinSamples {
		mean, sigma := strengthStats(history)
		if sigma > 0 && math.Abs(aff.Strength-mean) > affirmationOutlierSigma*sigma {
			return symbiont.NewError(symbiont.KindRejected, "affirmation strength is an outlier against sender history")
		}
	}

	rec := affirmationRecord{strength: aff.Strength, senderTrust: senderTrust, receivedAt: now}
	n.affirmations = append(n.affirmations, rec)
	n.peerAffirmations[aff.From] = append(history, rec)
	return nil
}

func strengthStats(records []affirmationRecord) (mean, sigma float64) {
	nf := float64(len(records))
	var sum float64
	for _, r := range records {
		sum += r.strength
	}
	mean = sum / nf
	var sq float64
	for _, r := range records {
		d := r.strength - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / nf)
}

// NewHandoff builds and signs the wire hand-off for a workflow step
// this node is delegating to another executor.
func (n *Node) NewHandoff(to symbiont.NodeID, workflowID, stepID, capabilityID string, hctx *symbiont.HandoffContext) (symbiont.Handoff, error) {
	ctxBytes, err := json.Marshal(hctx)
	if err != nil {
		return symbiont.Handoff{}, err
	}
	h := symbiont.Handoff{
		From:         n.self,
		To:           to,
		WorkflowID:   workflowID,
		StepID:       stepID,
		CapabilityID: capabilityID,
		Context:      ctxBytes,
		Timestamp:    n.cfg.Clock(),
	}
	h.Signature = symcrypto.SignCanonical(n.signer, n.hashFunc, h)
	return h, nil
}

// ReceiveHandoff applies the hand-off receipt check: signature valid,
// capability advertised, load below the hand-off ceiling, deadline not
// already blown — then accepts: the capability load takes on one
// estimated unit, the receipt is folded into the connection engine as
// an Interaction with the sender (workflow traffic feeds the Physarum
// update naturally), and the threaded HandoffContext is returned for
// execution. Rejections carry a typed reason.
func (n *Node) ReceiveHandoff(h symbiont.Handoff, now time.Time) (*symbiont.HandoffContext, error) {
	pub, ok := n.peerKey(h.From)
	if !ok || !symcrypto.VerifyCanonical(n.signer, n.hashFunc, pub, h, h.Signature) {
		return nil, symbiont.NewError(symbiont.KindInvalidSignature, "hand-off sender unverifiable")
	}
	if now.Sub(h.Timestamp) > n.cfg.HandoffTimeout {
		return nil, symbiont.NewError(symbiont.KindTimeout, "hand-off deadline expired before receipt")
	}
	capState, ok := n.conn.Capability(h.CapabilityID)
	if !ok {
		return nil, symbiont.NewError(symbiont.KindMissingCapability, "capability not served by this node")
	}
	if capState.Load >= n.cfg.HandoffLoadCeil {
		return nil, symbiont.NewError(symbiont.KindOverloaded, "capability load at hand-off ceiling")
	}

	var hctx symbiont.HandoffContext
	if err := json.Unmarshal(h.Context, &hctx); err != nil {
		return nil, symbiont.WrapError(symbiont.KindRejected, "malformed hand-off context", err)
	}

	n.conn.AdjustLoad(h.CapabilityID, n.cfg.HandoffLoadUnit)

	// A receipt is a balanced, neutral-quality exchange until feedback
	// arrives; it still refreshes last_active and the edge count.
	receipt := symbiont.Interaction{
		Initiator:    n.self,
		Responder:    h.From,
		TaskVolume:   1,
		CapabilityID: h.CapabilityID,
		Quality:      0.5,
		Tone:         0,
		ExchangeIn:   1,
		ExchangeOut:  1,
		Timestamp:    now,
	}
	if _, err := n.RecordInteraction(receipt, nil); err != nil {
		log.Printf("node: hand-off receipt interaction rejected: %v", err)
	}

	return &hctx, nil
}

// CompleteHandoff releases the load unit taken by ReceiveHandoff once
// the step's execution finishes.
func (n *Node) CompleteHandoff(capabilityID string) {
	n.conn.AdjustLoad(capabilityID, -n.cfg.HandoffLoadUnit)
}

// RunEventLoop is the event-handler role: it drains the transport's
// inbound envelopes and dispatches each to the matching receipt path
// until ctx is cancelled or the transport closes. Handler errors are
// logged, never fatal — a malformed or unverifiable message from one
// peer must not stall the mailbox.
func (n *Node) RunEventLoop(ctx context.Context, t transport.PeerTransport) {
	for {
		if ctx.Err() != nil {
			return
		}
		from, env, err := t.Recv()
		if err != nil {
			log.Printf("node: event loop stopping: %v", err)
			return
		}
		n.dispatchEnvelope(from, env)
	}
}

func (n *Node) dispatchEnvelope(from symbiont.NodeID, env transport.Envelope) {
	now := n.cfg.Clock()

	switch env.Type {
	case transport.EnvelopeDefenseSignal:
		var signal symbiont.DefenseSignal
		if err := json.Unmarshal(env.Payload, &signal); err != nil {
			log.Printf("node: malformed defense signal from %s: %v", from, err)
			return
		}
		if _, err := n.HandleDefenseSignal(from, signal, now); err != nil {
			log.Printf("node: defense signal from %s dropped: %v", from, err)
		}

	case transport.EnvelopeAffirmation:
		var aff symbiont.Affirmation
		if err := json.Unmarshal(env.Payload, &aff); err != nil {
			log.Printf("node: malformed affirmation from %s: %v", from, err)
			return
		}
		if err := n.ReceiveAffirmation(aff, now); err != nil {
			log.Printf("node: affirmation from %s dropped: %v", from, err)
		}

	case transport.EnvelopeHandoff:
		var h symbiont.Handoff
		if err := json.Unmarshal(env.Payload, &h); err != nil {
			log.Printf("node: malformed hand-off from %s: %v", from, err)
			return
		}
		hctx, err := n.ReceiveHandoff(h, now)
		if err != nil {
			log.Printf("node: hand-off %s/%s from %s rejected: %v", h.WorkflowID, h.StepID, from, err)
			return
		}
		go n.executeHandoff(h, hctx)

	default:
		log.Printf("node: unknown envelope type %q from %s", env.Type, from)
	}
}

// executeHandoff runs an accepted hand-off against the capability
// backend under the task deadline, releasing the load unit when done.
func (n *Node) executeHandoff(h symbiont.Handoff, hctx *symbiont.HandoffContext) {
	defer n.CompleteHandoff(h.CapabilityID)

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DefaultTaskTimeout)
	defer cancel()

	if _, err := n.ExecuteCapability(ctx, h.CapabilityID, hctx); err != nil {
		log.Printf("node: hand-off %s/%s execution failed: %v", h.WorkflowID, h.StepID, err)
	}
}
