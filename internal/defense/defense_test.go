package defense

import (
	"math"
	"testing"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/symcrypto"
	"github.com/symbiont-net/node/pkg/symbiont"
)

type fakePolicy struct {
	reducedCaps []symbiont.NodeID
	flagged     []symbiont.Flag
	expelled    []symbiont.NodeID
}

func (f *fakePolicy) ReduceTrustCap(peer symbiont.NodeID, cap float64) { f.reducedCaps = append(f.reducedCaps, peer) }
func (f *fakePolicy) Flag(peer symbiont.NodeID, flag symbiont.Flag)    { f.flagged = append(f.flagged, flag) }
func (f *fakePolicy) Expel(peer symbiont.NodeID)                      { f.expelled = append(f.expelled, peer) }

func nodeID(b byte) symbiont.NodeID {
	var id symbiont.NodeID
	id[0] = b
	return id
}

func TestReceiveRejectsUnverified(t *testing.T) {
	e := New(config.Default(), symcrypto.DoubleSHA256)
	signal := symbiont.DefenseSignal{Threat: nodeID(1), Confidence: 0.9, Timestamp: time.Now()}
	if _, err := e.Receive(signal, time.Now(), false, 1, nil); err != ErrSignalInvalidSignature {
		t.Errorf("Receive() error = %v, want ErrSignalInvalidSignature", err)
	}
}

func TestReceiveRejectsExpired(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, symcrypto.DoubleSHA256)
	old := time.Now().Add(-2 * cfg.SignalMaxAge)
	signal := symbiont.DefenseSignal{Threat: nodeID(1), Confidence: 0.9, Timestamp: old}
	if _, err := e.Receive(signal, time.Now(), true, 1, nil); err != ErrSignalExpired {
		t.Errorf("Receive() error = %v, want ErrSignalExpired", err)
	}
}

func TestReceiveBayesianUpdateAndAction(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, symcrypto.DoubleSHA256)
	threat := nodeID(9)
	policy := &fakePolicy{}

	now := time.Now()
	var last ReceiveResult
	for i := 0; i < 5; i++ {
		// Distinct origins so each signal survives de-duplication.
		signal := symbiont.DefenseSignal{Origin: nodeID(byte(10 + i)), Threat: threat, Confidence: 0.9, Timestamp: now}
		res, err := e.Receive(signal, now, true, 0.9, policy)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		last = res
	}

	if last.NewLevel < cfg.ActionThreshold {
		t.Fatalf("belief level = %v, want >= ActionThreshold after repeated high-confidence signals", last.NewLevel)
	}
	if !last.ActionFired {
		t.Errorf("ActionFired = false, want true once belief crosses ActionThreshold")
	}
	if len(policy.flagged) == 0 {
		t.Errorf("expected the action policy to flag the threatened peer")
	}
}

func TestReceiveDeduplicatesReplayedSignal(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, symcrypto.DoubleSHA256)
	now := time.Now()
	signal := symbiont.DefenseSignal{Origin: nodeID(1), Threat: nodeID(9), Confidence: 0.8, Timestamp: now}

	first, err := e.Receive(signal, now, true, 0.9, nil)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	replay, err := e.Receive(signal, now.Add(time.Minute), true, 0.9, nil)
	if err != nil {
		t.Fatalf("Receive() replay error = %v", err)
	}
	if !replay.Duplicate {
		t.Errorf("replayed signal Duplicate = false, want true")
	}
	if replay.NewLevel != first.NewLevel {
		t.Errorf("replay changed belief level: %v -> %v, want unchanged", first.NewLevel, replay.NewLevel)
	}
}

func TestExpulsionRequiresDistinctTrustedSources(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, symcrypto.DoubleSHA256)
	threat := nodeID(9)
	policy := &fakePolicy{}
	now := time.Now()

	// One origin hammering cannot expel, no matter how high the level.
	for i := 0; i < 8; i++ {
		signal := symbiont.DefenseSignal{Origin: nodeID(1), Threat: threat, Confidence: 0.95, Hops: uint8(i), Timestamp: now}
		if _, err := e.Receive(signal, now, true, 1, policy); err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
	}
	if len(policy.expelled) != 0 {
		t.Fatalf("expulsion fired with a single origin, want >= %d distinct trusted sources required", cfg.ExpulsionConfirmations)
	}

	// A second trusted origin confirms; expulsion may now fire.
	signal := symbiont.DefenseSignal{Origin: nodeID(2), Threat: threat, Confidence: 0.95, Timestamp: now}
	res, err := e.Receive(signal, now, true, 1, policy)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !res.ExpulsionFired || len(policy.expelled) == 0 {
		t.Errorf("expulsion did not fire after a second distinct trusted source confirmed (level=%v)", res.NewLevel)
	}
}

func TestShouldPropagateGates(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, symcrypto.DoubleSHA256)

	signal := symbiont.DefenseSignal{Confidence: 0.9, Hops: 0}
	decision := e.ShouldPropagate(signal, 1.0)
	if !decision.Forward {
		t.Fatalf("ShouldPropagate() = false, want true for a fresh high-confidence signal over a strong link")
	}

	tooWeakLink := e.ShouldPropagate(signal, 0.1)
	if tooWeakLink.Forward {
		t.Errorf("ShouldPropagate() with weak forwarding link should refuse to forward")
	}

	maxedOut := signal
	maxedOut.Hops = cfg.MaxHops
	if e.ShouldPropagate(maxedOut, 1.0).Forward {
		t.Errorf("ShouldPropagate() at MaxHops should refuse to forward")
	}
}

func TestDefenseHopAttenuationChain(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, symcrypto.DoubleSHA256)

	// Origin A's signal reaches B unattenuated, so B holds 0.9.
	b := symbiont.DefenseSignal{Confidence: 0.9, Hops: 0}

	// B->C(w=1.0): 0.9*0.8 = 0.72 >= PropagateThreshold(0.6) -> forward.
	d1 := e.ShouldPropagate(b, 1.0)
	if !d1.Forward {
		t.Fatalf("expected forwarding to C")
	}
	if math.Abs(d1.AttenuatedConfidence-0.72) > 1e-9 {
		t.Errorf("AttenuatedConfidence at C = %v, want 0.72", d1.AttenuatedConfidence)
	}
	c := Forward(b, nodeID(3), d1.AttenuatedConfidence)
	if c.Hops != 1 {
		t.Errorf("Hops at C = %v, want 1", c.Hops)
	}

	// C->D(w=1.0): 0.72*0.8 = 0.576 < PropagateThreshold(0.6) -> stop, so
	// the signal never reaches D, let alone E.
	d2 := e.ShouldPropagate(c, 1.0)
	if d2.Forward {
		t.Errorf("ShouldPropagate() from C to D should stop (0.576 < 0.6 threshold), got Forward=true")
	}
}

func TestMaintainDecaysPrimingToNormal(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, symcrypto.DoubleSHA256)
	e.priming = 0.15
	e.state = symbiont.DefensePrimed

	for i := 0; i < 50 && e.priming >= cfg.PrimingNormalFloor; i++ {
		e.Maintain()
	}

	if e.State() != symbiont.DefenseNormal {
		t.Errorf("State() = %v, want Normal once priming decays below floor", e.State())
	}
}
