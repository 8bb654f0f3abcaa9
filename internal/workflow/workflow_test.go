package workflow

import (
	"testing"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/pkg/symbiont"
)

func TestCreateSetsReadyAndWaiting(t *testing.T) {
	m := NewManager(config.Default())
	now := time.Now()
	steps := []*symbiont.WorkflowStep{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	wf := m.Create("wf1", steps, now)

	if wf.Steps["a"].Status != symbiont.StepReady {
		t.Errorf("step a status = %v, want Ready", wf.Steps["a"].Status)
	}
	if wf.Steps["b"].Status != symbiont.StepWaiting {
		t.Errorf("step b status = %v, want Waiting", wf.Steps["b"].Status)
	}
}

func TestReadyStepsAdvancesOnCompletion(t *testing.T) {
	m := NewManager(config.Default())
	now := time.Now()
	steps := []*symbiont.WorkflowStep{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	m.Create("wf1", steps, now)

	ready, err := m.ReadySteps("wf1")
	if err != nil {
		t.Fatalf("ReadySteps() error = %v", err)
	}
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("ReadySteps() = %v, want [a]", ready)
	}

	if err := m.CompleteStep("wf1", "a", nil, now); err != nil {
		t.Fatalf("CompleteStep() error = %v", err)
	}

	ready, err = m.ReadySteps("wf1")
	if err != nil {
		t.Fatalf("ReadySteps() error = %v", err)
	}
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("ReadySteps() after a completes = %v, want [b]", ready)
	}
}

func TestFailStepRetriesThenFails(t *testing.T) {
	cfg := config.Default()
	cfg.MaxStepRetries = 1
	m := NewManager(cfg)
	now := time.Now()
	m.Create("wf1", []*symbiont.WorkflowStep{{ID: "a"}}, now)

	if err := m.FailStep("wf1", "a", false, now); err != nil {
		t.Fatalf("FailStep() error = %v", err)
	}
	wf, _ := m.Get("wf1")
	if wf.Steps["a"].Status != symbiont.StepReady {
		t.Fatalf("after first failure, status = %v, want Ready (retry)", wf.Steps["a"].Status)
	}

	if err := m.FailStep("wf1", "a", false, now); err != nil {
		t.Fatalf("FailStep() error = %v", err)
	}
	if wf.Steps["a"].Status != symbiont.StepFailed {
		t.Fatalf("after retries exhausted, status = %v, want Failed", wf.Steps["a"].Status)
	}
	if wf.Status != symbiont.WorkflowFailed {
		t.Errorf("workflow status = %v, want Failed", wf.Status)
	}
}

func TestFailStepOptionalSkips(t *testing.T) {
	cfg := config.Default()
	cfg.MaxStepRetries = 0
	m := NewManager(cfg)
	now := time.Now()
	m.Create("wf1", []*symbiont.WorkflowStep{{ID: "a"}}, now)

	if err := m.FailStep("wf1", "a", true, now); err != nil {
		t.Fatalf("FailStep() error = %v", err)
	}
	wf, _ := m.Get("wf1")
	if wf.Steps["a"].Status != symbiont.StepSkipped {
		t.Errorf("optional dependency failure = %v, want Skipped", wf.Steps["a"].Status)
	}
}

func TestResolveBlockedFailsDependents(t *testing.T) {
	cfg := config.Default()
	cfg.MaxStepRetries = 0
	m := NewManager(cfg)
	now := time.Now()
	m.Create("wf1", []*symbiont.WorkflowStep{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}, now)

	if err := m.FailStep("wf1", "a", false, now); err != nil {
		t.Fatalf("FailStep() error = %v", err)
	}
	if err := m.ResolveBlocked("wf1", now); err != nil {
		t.Fatalf("ResolveBlocked() error = %v", err)
	}

	wf, _ := m.Get("wf1")
	if wf.Steps["b"].Status != symbiont.StepFailed {
		t.Errorf("dependent of a failed step = %v, want Failed", wf.Steps["b"].Status)
	}
	if wf.Steps["c"].Status != symbiont.StepFailed {
		t.Errorf("transitive dependent = %v, want Failed", wf.Steps["c"].Status)
	}
}

func TestResolveBlockedSkipsDependentsOfSkipped(t *testing.T) {
	cfg := config.Default()
	cfg.MaxStepRetries = 0
	m := NewManager(cfg)
	now := time.Now()
	m.Create("wf1", []*symbiont.WorkflowStep{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}, now)

	if err := m.FailStep("wf1", "a", true, now); err != nil { // optional -> Skipped
		t.Fatalf("FailStep() error = %v", err)
	}
	if err := m.ResolveBlocked("wf1", now); err != nil {
		t.Fatalf("ResolveBlocked() error = %v", err)
	}

	wf, _ := m.Get("wf1")
	if wf.Steps["b"].Status != symbiont.StepSkipped {
		t.Errorf("dependent of a skipped step = %v, want Skipped", wf.Steps["b"].Status)
	}
}

func TestVerifyHandoff(t *testing.T) {
	if got := VerifyHandoff(false, true, 0); got != RejectInvalidSignature {
		t.Errorf("VerifyHandoff() = %v, want RejectInvalidSignature", got)
	}
	if got := VerifyHandoff(true, false, 0); got != RejectMissingCapability {
		t.Errorf("VerifyHandoff() = %v, want RejectMissingCapability", got)
	}
	if got := VerifyHandoff(true, true, 0.96); got != RejectOverloaded {
		t.Errorf("VerifyHandoff() = %v, want RejectOverloaded", got)
	}
	if got := VerifyHandoff(true, true, 0.5); got != RejectNone {
		t.Errorf("VerifyHandoff() = %v, want RejectNone", got)
	}
}

func TestAggregateParallel(t *testing.T) {
	avg, err := AggregateParallel(symbiont.AggregationAverage, []float64{1, 2, 3}, nil)
	if err != nil || avg != 2 {
		t.Errorf("AggregateParallel(Average) = %v, %v, want 2, nil", avg, err)
	}

	if _, err := AggregateParallel(symbiont.AggregationUnanimous, []float64{1, 2}, nil); err == nil {
		t.Errorf("AggregateParallel(Unanimous) should error on non-unanimous results")
	}

	maj := majorityVote([]float64{1, 1, 0})
	if maj != 1 {
		t.Errorf("majorityVote() = %v, want 1", maj)
	}
}

func TestHandoffContextAdvance(t *testing.T) {
	ctx := symbiont.NewHandoffContext("wf1")
	var executor symbiont.NodeID
	executor[0] = 1

	next := ctx.Advance(executor, []byte("result"))
	if next.StepIndex != 1 {
		t.Errorf("StepIndex = %v, want 1", next.StepIndex)
	}
	if len(next.Lineage) != 1 || next.Lineage[0] != executor {
		t.Errorf("Lineage = %v, want [%v]", next.Lineage, executor)
	}
	if len(next.PriorResults) != 1 {
		t.Errorf("PriorResults = %v, want length 1", next.PriorResults)
	}
}
