package node

import (
	"errors"
	"testing"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/defense"
	"github.com/symbiont-net/node/internal/detection"
	"github.com/symbiont-net/node/internal/symcrypto"
	"github.com/symbiont-net/node/pkg/symbiont"
)

func seededNode(t *testing.T, seedByte byte) *Node {
	t.Helper()
	var seed [32]byte
	seed[0] = seedByte
	signer := symcrypto.NewEd25519SignerFromSeed(seed)
	self := symcrypto.DeriveNodeID(signer.PublicKey(), symcrypto.DoubleSHA256)
	return New(config.Default(), self, signer, symcrypto.DoubleSHA256)
}

func link(a, b *Node) {
	a.RegisterPeerKey(b.ID(), b.signer.PublicKey())
	b.RegisterPeerKey(a.ID(), a.signer.PublicKey())
}

func TestHandoffRoundTrip(t *testing.T) {
	sender := seededNode(t, 1)
	receiver := seededNode(t, 2)
	link(sender, receiver)
	receiver.RegisterCapability("analysis")

	hctx := symbiont.NewHandoffContext("wf1")
	hctx.Accumulated["key"] = "value"

	h, err := sender.NewHandoff(receiver.ID(), "wf1", "s1", "analysis", hctx)
	if err != nil {
		t.Fatalf("NewHandoff() error = %v", err)
	}

	got, err := receiver.ReceiveHandoff(h, h.Timestamp)
	if err != nil {
		t.Fatalf("ReceiveHandoff() error = %v", err)
	}
	if got.WorkflowID != "wf1" || got.Accumulated["key"] != "value" {
		t.Errorf("ReceiveHandoff() context = %+v, want the threaded workflow context", got)
	}

	// Receipt bumps the capability load by one estimated unit.
	capState, ok := receiver.Connections().Capability("analysis")
	if !ok || capState.Load == 0 {
		t.Errorf("capability load after receipt = %+v, want incremented", capState)
	}

	// Receipt also feeds the connection engine: an edge to the sender
	// now exists on the receiver's side.
	if _, ok := receiver.Connections().Connection(sender.ID()); !ok {
		t.Errorf("hand-off receipt did not create a connection to the sender")
	}

	receiver.CompleteHandoff("analysis")
	capState, _ = receiver.Connections().Capability("analysis")
	if capState.Load != 0 {
		t.Errorf("capability load after completion = %v, want 0", capState.Load)
	}
}

func TestReceiveHandoffTypedRejections(t *testing.T) {
	sender := seededNode(t, 1)
	receiver := seededNode(t, 2)
	link(sender, receiver)
	receiver.RegisterCapability("analysis")

	hctx := symbiont.NewHandoffContext("wf1")

	// Missing capability.
	h, err := sender.NewHandoff(receiver.ID(), "wf1", "s1", "translation", hctx)
	if err != nil {
		t.Fatalf("NewHandoff() error = %v", err)
	}
	_, err = receiver.ReceiveHandoff(h, h.Timestamp)
	if kind, ok := symbiont.KindOf(err); !ok || kind != symbiont.KindMissingCapability {
		t.Errorf("ReceiveHandoff() error = %v, want KindMissingCapability", err)
	}

	// Tampered signature.
	h, err = sender.NewHandoff(receiver.ID(), "wf1", "s1", "analysis", hctx)
	if err != nil {
		t.Fatalf("NewHandoff() error = %v", err)
	}
	h.CapabilityID = "translation"
	_, err = receiver.ReceiveHandoff(h, h.Timestamp)
	if kind, ok := symbiont.KindOf(err); !ok || kind != symbiont.KindInvalidSignature {
		t.Errorf("ReceiveHandoff() after tamper error = %v, want KindInvalidSignature", err)
	}

	// Expired deadline.
	h, err = sender.NewHandoff(receiver.ID(), "wf1", "s1", "analysis", hctx)
	if err != nil {
		t.Fatalf("NewHandoff() error = %v", err)
	}
	late := h.Timestamp.Add(receiver.cfg.HandoffTimeout + time.Second)
	_, err = receiver.ReceiveHandoff(h, late)
	if kind, ok := symbiont.KindOf(err); !ok || kind != symbiont.KindTimeout {
		t.Errorf("ReceiveHandoff() past deadline error = %v, want KindTimeout", err)
	}
}

func TestReceiveAffirmationVerifiesAndRecords(t *testing.T) {
	sender := seededNode(t, 1)
	receiver := seededNode(t, 2)
	link(sender, receiver)

	now := time.Now()
	aff := symbiont.Affirmation{
		From:      sender.ID(),
		To:        receiver.ID(),
		Type:      symbiont.AffirmationQuality,
		Strength:  0.8,
		Timestamp: now,
	}
	aff.Signature = symcrypto.SignCanonical(sender.signer, sender.hashFunc, aff)

	if err := receiver.ReceiveAffirmation(aff, now); err != nil {
		t.Fatalf("ReceiveAffirmation() error = %v", err)
	}

	bad := aff
	bad.Strength = 0.9 // signature no longer covers the content
	err := receiver.ReceiveAffirmation(bad, now)
	if kind, ok := symbiont.KindOf(err); !ok || kind != symbiont.KindInvalidSignature {
		t.Errorf("ReceiveAffirmation() after tamper error = %v, want KindInvalidSignature", err)
	}
}

func TestReceiveAffirmationRejectsOutlier(t *testing.T) {
	sender := seededNode(t, 1)
	receiver := seededNode(t, 2)
	link(sender, receiver)
	now := time.Now()

	// Build a tight history around 0.80 so a 0-strength affirmation
	// lands far past the 2.5σ integrity bound.
	strengths := []float64{0.80, 0.81, 0.79, 0.80, 0.82, 0.78, 0.80, 0.81, 0.79, 0.80}
	for i, s := range strengths {
		aff := symbiont.Affirmation{
			From:      sender.ID(),
			To:        receiver.ID(),
			Type:      symbiont.AffirmationReliability,
			Strength:  s,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		aff.Signature = symcrypto.SignCanonical(sender.signer, sender.hashFunc, aff)
		if err := receiver.ReceiveAffirmation(aff, now); err != nil {
			t.Fatalf("ReceiveAffirmation() seed %d error = %v", i, err)
		}
	}

	outlier := symbiont.Affirmation{
		From:      sender.ID(),
		To:        receiver.ID(),
		Type:      symbiont.AffirmationReliability,
		Strength:  0,
		Timestamp: now.Add(time.Minute),
	}
	outlier.Signature = symcrypto.SignCanonical(sender.signer, sender.hashFunc, outlier)

	err := receiver.ReceiveAffirmation(outlier, now)
	if kind, ok := symbiont.KindOf(err); !ok || kind != symbiont.KindRejected {
		t.Errorf("ReceiveAffirmation() for an outlier = %v, want KindRejected", err)
	}
}

func TestHandleDefenseSignalVerifiesAndPropagates(t *testing.T) {
	origin := seededNode(t, 1)
	relay := seededNode(t, 2)
	neighbor := seededNode(t, 3)
	var threat symbiont.NodeID
	threat[0] = 99

	link(origin, relay)
	link(relay, neighbor)

	// Give the relay a strong connection to the neighbor so the
	// forwarding-link gate passes.
	for i := 0; i < 30; i++ {
		_, err := relay.RecordInteraction(symbiont.Interaction{
			Responder:   neighbor.ID(),
			TaskVolume:  4,
			Quality:     0.9,
			Tone:        0.5,
			ExchangeIn:  1,
			ExchangeOut: 1,
		}, nil)
		if err != nil {
			t.Fatalf("RecordInteraction() error = %v", err)
		}
	}

	now := time.Now()
	signal := origin.defense.CreateSignal(origin.ID(), threat, "quality_degradation", 0.9, []byte("evidence"), now)
	signal.Signature = symcrypto.SignCanonical(origin.signer, origin.hashFunc, signal)

	var forwarded []symbiont.DefenseSignal
	relay.SetSignalSender(func(target symbiont.NodeID, s symbiont.DefenseSignal) {
		forwarded = append(forwarded, s)
	})

	res, err := relay.HandleDefenseSignal(origin.ID(), signal, now)
	if err != nil {
		t.Fatalf("HandleDefenseSignal() error = %v", err)
	}
	if res.NewLevel <= 0 {
		t.Errorf("belief level = %v, want > 0 after a verified signal", res.NewLevel)
	}

	if len(forwarded) == 0 {
		t.Fatalf("signal was not propagated over a qualifying link")
	}
	f := forwarded[0]
	if f.Hops != signal.Hops+1 {
		t.Errorf("forwarded Hops = %d, want %d", f.Hops, signal.Hops+1)
	}
	if f.Origin != origin.ID() {
		t.Errorf("forwarded Origin = %v, want preserved original origin", f.Origin)
	}
	if f.Sender != relay.ID() {
		t.Errorf("forwarded Sender = %v, want the re-signing relay", f.Sender)
	}
	if f.Confidence >= signal.Confidence {
		t.Errorf("forwarded Confidence = %v, want attenuated below %v", f.Confidence, signal.Confidence)
	}

	// An unverifiable signal (unknown sender key) is dropped.
	stranger := seededNode(t, 7)
	bad := stranger.defense.CreateSignal(stranger.ID(), threat, "quality_degradation", 0.9, []byte("evidence"), now)
	bad.Signature = symcrypto.SignCanonical(stranger.signer, stranger.hashFunc, bad)
	_, err = relay.HandleDefenseSignal(stranger.ID(), bad, now)
	if kind, ok := symbiont.KindOf(err); !ok || kind != symbiont.KindInvalidSignature {
		t.Errorf("HandleDefenseSignal() from unknown sender = %v, want KindInvalidSignature", err)
	}
}

func TestDefensiveActionCapsAccusedPeerNotSelf(t *testing.T) {
	origin := seededNode(t, 1)
	receiver := seededNode(t, 2)
	var threat symbiont.NodeID
	threat[0] = 99

	link(origin, receiver)

	// A strong connection to the origin makes its signals carry real
	// weight in the Bayesian update.
	for i := 0; i < 30; i++ {
		_, err := receiver.RecordInteraction(symbiont.Interaction{
			Responder:   origin.ID(),
			TaskVolume:  4,
			Quality:     0.9,
			Tone:        0.4,
			ExchangeIn:  1,
			ExchangeOut: 1,
		}, nil)
		if err != nil {
			t.Fatalf("RecordInteraction() error = %v", err)
		}
	}

	now := time.Now()
	var res defense.ReceiveResult
	for i := 0; i < 3; i++ {
		signal := origin.defense.CreateSignal(origin.ID(), threat, "quality_degradation", 0.9, []byte("evidence"), now.Add(time.Duration(i)*time.Second))
		signal.Signature = symcrypto.SignCanonical(origin.signer, origin.hashFunc, signal)
		var err error
		res, err = receiver.HandleDefenseSignal(origin.ID(), signal, now)
		if err != nil {
			t.Fatalf("HandleDefenseSignal() %d error = %v", i, err)
		}
	}
	if !res.ActionFired {
		t.Fatalf("action did not fire, belief level = %v", res.NewLevel)
	}

	// The accused peer's projection is capped and flagged...
	if !receiver.PeerFlagged(threat, symbiont.FlagUnderInvestigation) {
		t.Errorf("accused peer not flagged UNDER_INVESTIGATION")
	}
	if got := receiver.PeerTrust(threat); got > receiver.cfg.ThreatProjectionCap {
		t.Errorf("PeerTrust(threat) = %v, want <= %v once the action fires", got, receiver.cfg.ThreatProjectionCap)
	}

	// ...while the receiving node's own state carries no penalty for
	// having detected the threat.
	receiver.mu.RLock()
	ownCap := receiver.trustCap
	ownFlagged := receiver.flags.Has(symbiont.FlagUnderInvestigation)
	receiver.mu.RUnlock()
	if ownCap != 1.0 {
		t.Errorf("receiver's own trustCap = %v, want 1.0 untouched", ownCap)
	}
	if ownFlagged {
		t.Errorf("receiver flagged itself UNDER_INVESTIGATION for holding a belief about a peer")
	}
}

func TestCollusionScanFlagsAndSignalsRingMembers(t *testing.T) {
	cfg := config.Default()
	cfg.AdversaryScanInterval = 1
	var seed [32]byte
	seed[0] = 1
	signer := symcrypto.NewEd25519SignerFromSeed(seed)
	self := symcrypto.DeriveNodeID(signer.PublicKey(), symcrypto.DoubleSHA256)
	n := New(cfg, self, signer, symcrypto.DoubleSHA256)

	var p1, p2, p3 symbiont.NodeID
	p1[0], p2[0], p3[0] = 11, 12, 13

	// A reinforced connection to p1 (w comfortably above the dispatch
	// floor) gives collusion signals about the other ring members
	// somewhere to go.
	for i := 0; i < 10; i++ {
		if _, err := n.RecordInteraction(symbiont.Interaction{
			Responder:   p1,
			TaskVolume:  4,
			Quality:     0.9,
			Tone:        0.4,
			ExchangeIn:  1,
			ExchangeOut: 1,
		}, nil); err != nil {
			t.Fatalf("RecordInteraction() error = %v", err)
		}
	}

	var sent []symbiont.DefenseSignal
	n.SetSignalSender(func(target symbiont.NodeID, s symbiont.DefenseSignal) { sent = append(sent, s) })

	edges := []detection.InteractionEdge{
		{A: p1, B: p2, Count: 10, MeanRating: 0.95},
		{A: p2, B: p3, Count: 10, MeanRating: 0.95},
		{A: p1, B: p3, Count: 10, MeanRating: 0.95},
	}
	n.Tick(time.Now(), edges)

	for _, member := range []symbiont.NodeID{p1, p2, p3} {
		if !n.PeerFlagged(member, symbiont.FlagUnderInvestigation) {
			t.Errorf("ring member %v not flagged UNDER_INVESTIGATION after the collusion scan", member)
		}
		if got := n.PeerTrust(member); got > cfg.TrustCapUnderInvestigation {
			t.Errorf("PeerTrust(%v) = %v, want <= %v", member, got, cfg.TrustCapUnderInvestigation)
		}
	}

	var collusionSignals int
	for _, s := range sent {
		if s.ThreatType == "collusion" {
			collusionSignals++
		}
	}
	if collusionSignals == 0 {
		t.Errorf("collusion scan emitted no defense signals")
	}
}

func TestErrorKindSentinelMatching(t *testing.T) {
	err := symbiont.WrapError(symbiont.KindTimeout, "deadline", errors.New("cause"))
	if !errors.Is(err, symbiont.NewError(symbiont.KindTimeout, "")) {
		t.Errorf("errors.Is() across same-kind errors = false, want true")
	}
	if errors.Is(err, symbiont.NewError(symbiont.KindOverloaded, "")) {
		t.Errorf("errors.Is() across different kinds = true, want false")
	}
}
