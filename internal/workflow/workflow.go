// Package workflow implements the workflow executor: a mutex-guarded
// manager over DAGs of steps, each hopping between executing nodes via
// a signed hand-off that threads a HandoffContext accruing prior
// results and executor lineage hop by hop.
package workflow

import (
	"errors"
	"sync"
	"time"

	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/mathx"
	"github.com/symbiont-net/node/pkg/symbiont"
)

var (
	ErrUnknownWorkflow = errors.New("workflow: unknown id")
	ErrUnknownStep      = errors.New("workflow: unknown step id")
	ErrHandoffRejected  = errors.New("workflow: hand-off rejected")
)

// HandoffRejectReason enumerates the typed rejection reasons a
// receiving node returns for a bad hand-off.
type HandoffRejectReason int

const (
	RejectNone HandoffRejectReason = iota
	RejectInvalidSignature
	RejectMissingCapability
	RejectOverloaded
	RejectTimeout
)

// Manager tracks this node's workflows in a mutex-guarded map keyed
// by workflow ID.
type Manager struct {
	mu        sync.RWMutex
	cfg       config.Config
	workflows map[string]*symbiont.Workflow
}

// NewManager returns an empty workflow Manager.
func NewManager(cfg config.Config) *Manager {
	return &Manager{cfg: cfg, workflows: make(map[string]*symbiont.Workflow)}
}

// Create registers a new workflow with the given steps, each starting
// Ready (or Waiting if it has dependencies).
func (m *Manager) Create(id string, steps []*symbiont.WorkflowStep, now time.Time) *symbiont.Workflow {
	stepMap := make(map[string]*symbiont.WorkflowStep, len(steps))
	for _, s := range steps {
		if len(s.DependsOn) > 0 {
			s.Status = symbiont.StepWaiting
		} else {
			s.Status = symbiont.StepReady
		}
		stepMap[s.ID] = s
	}

	wf := &symbiont.Workflow{
		ID:        id,
		Steps:     stepMap,
		Status:    symbiont.WorkflowRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.workflows[id] = wf
	m.mu.Unlock()
	return wf
}

// Get returns the workflow with id, if it exists.
func (m *Manager) Get(id string) (*symbiont.Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	return wf, ok
}

// ReadySteps returns the IDs of every step currently eligible to run:
// status Waiting or Ready with every dependency Completed.
func (m *Manager) ReadySteps(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrUnknownWorkflow
	}

	var ready []string
	for stepID, step := range wf.Steps {
		if step.Status != symbiont.StepWaiting && step.Status != symbiont.StepReady {
			continue
		}
		if wf.Ready(stepID) {
			step.Status = symbiont.StepReady
			ready = append(ready, stepID)
		}
	}
	return ready, nil
}

// VerifyHandoff applies the hand-off receipt check: signature validity is
// the caller's responsibility (it owns the Signer/Hash), but capacity
// and capability gating live here.
func VerifyHandoff(sigValid, hasCapability bool, load float64) HandoffRejectReason {
	if !sigValid {
		return RejectInvalidSignature
	}
	if !hasCapability {
		return RejectMissingCapability
	}
	if load >= 0.95 {
		return RejectOverloaded
	}
	return RejectNone
}

// StartStep transitions a Ready step to Running, recording the
// executing node and start time.
func (m *Manager) StartStep(workflowID, stepID string, assignee symbiont.NodeID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.lockedStep(workflowID, stepID)
	if err != nil {
		return err
	}
	step.Assignee = assignee
	step.Status = symbiont.StepRunning
	step.StartedAt = now
	return nil
}

// CompleteStep marks a Running step Completed and records its result.
func (m *Manager) CompleteStep(workflowID, stepID string, result []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.lockedStep(workflowID, stepID)
	if err != nil {
		return err
	}
	step.Status = symbiont.StepCompleted
	step.Result = result
	step.EndedAt = now
	m.maybeCompleteWorkflow(workflowID)
	return nil
}

// FailStep applies the retry edge (Running→Ready while
// RetryCount<MaxStepRetries) or a terminal Failed/Skipped transition,
// per the step state machine.
func (m *Manager) FailStep(workflowID, stepID string, optional bool, now time.Time) error {
	return m.failStep(workflowID, stepID, optional, now, true)
}

// FailStepTerminal bypasses the retry edge for non-retryable failures
// (routing NoCandidates), going straight to Failed/Skipped.
func (m *Manager) FailStepTerminal(workflowID, stepID string, optional bool, now time.Time) error {
	return m.failStep(workflowID, stepID, optional, now, false)
}

func (m *Manager) failStep(workflowID, stepID string, optional bool, now time.Time, allowRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, err := m.lockedStep(workflowID, stepID)
	if err != nil {
		return err
	}

	if allowRetry && step.RetryCount < m.cfg.MaxStepRetries {
		step.RetryCount++
		step.Status = symbiont.StepReady
		return nil
	}

	if optional {
		step.Status = symbiont.StepSkipped
		return nil
	}

	step.Status = symbiont.StepFailed
	step.EndedAt = now
	m.failWorkflow(workflowID, now)
	return nil
}

// ResolveBlocked transitions Waiting steps whose dependencies can no
// longer complete: a failed or cancelled dependency fails the step, a
// skipped dependency skips it. Iterates to a fixed point so chains of
// dependents resolve in one call.
func (m *Manager) ResolveBlocked(workflowID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return ErrUnknownWorkflow
	}

	for changed := true; changed; {
		changed = false
		for _, step := range wf.Steps {
			if step.Status != symbiont.StepWaiting {
				continue
			}
			for _, dep := range step.DependsOn {
				d, ok := wf.Steps[dep]
				if !ok {
					continue
				}
				switch d.Status {
				case symbiont.StepFailed, symbiont.StepCancelled:
					step.Status = symbiont.StepFailed
					step.EndedAt = now
					changed = true
				case symbiont.StepSkipped:
					step.Status = symbiont.StepSkipped
					changed = true
				}
				if step.Status != symbiont.StepWaiting {
					break
				}
			}
		}
	}
	return nil
}

// StepStatus returns the current status of a single step.
func (m *Manager) StepStatus(workflowID, stepID string) (symbiont.WorkflowStepStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return 0, false
	}
	step, ok := wf.Steps[stepID]
	if !ok {
		return 0, false
	}
	return step.Status, true
}

// Cancel marks every non-terminal step and the workflow itself Cancelled.
func (m *Manager) Cancel(workflowID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return ErrUnknownWorkflow
	}
	for _, step := range wf.Steps {
		if !terminal(step.Status) {
			step.Status = symbiont.StepCancelled
			step.EndedAt = now
		}
	}
	wf.Status = symbiont.WorkflowCancelled
	wf.UpdatedAt = now
	return nil
}

func (m *Manager) lockedStep(workflowID, stepID string) (*symbiont.WorkflowStep, error) {
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, ErrUnknownWorkflow
	}
	step, ok := wf.Steps[stepID]
	if !ok {
		return nil, ErrUnknownStep
	}
	return step, nil
}

func (m *Manager) maybeCompleteWorkflow(workflowID string) {
	wf := m.workflows[workflowID]
	for _, step := range wf.Steps {
		if step.Status != symbiont.StepCompleted && step.Status != symbiont.StepSkipped {
			return
		}
	}
	wf.Status = symbiont.WorkflowCompleted
}

func (m *Manager) failWorkflow(workflowID string, now time.Time) {
	wf := m.workflows[workflowID]
	wf.Status = symbiont.WorkflowFailed
	wf.UpdatedAt = now
}

func terminal(s symbiont.WorkflowStepStatus) bool {
	switch s {
	case symbiont.StepCompleted, symbiont.StepFailed, symbiont.StepSkipped, symbiont.StepCancelled:
		return true
	default:
		return false
	}
}

// AggregateParallel merges a slice of per-step results into one value
// according to an AggregationStrategy. Numeric results are the
// common case (a trust-weighted vote over confidence scores, say);
// callers needing structured merges should aggregate domain payloads
// themselves and use Average/Median only as the numeric summary.
func AggregateParallel(strategy symbiont.AggregationStrategy, results []float64, weights []float64) (float64, error) {
	if len(results) == 0 {
		return 0, errors.New("workflow: no results to aggregate")
	}

	switch strategy {
	case symbiont.AggregationAverage:
		var sum float64
		for _, r := range results {
			sum += r
		}
		return sum / float64(len(results)), nil

	case symbiont.AggregationMedian:
		return mathx.Median(results), nil

	case symbiont.AggregationTrustWeightedVote:
		return mathx.WeightedMean(results, weights), nil

	case symbiont.AggregationMajority:
		return majorityVote(results), nil

	case symbiont.AggregationUnanimous:
		first := results[0]
		for _, r := range results[1:] {
			if r != first {
				return 0, errors.New("workflow: results not unanimous")
			}
		}
		return first, nil

	default:
		return 0, errors.New("workflow: unknown aggregation strategy")
	}
}

// majorityVote rounds each result to a boolean (>=0.5) and returns 1
// if a strict majority voted true, else 0.
func majorityVote(results []float64) float64 {
	var trueCount int
	for _, r := range results {
		if r >= 0.5 {
			trueCount++
		}
	}
	if float64(trueCount) > float64(len(results))/2 {
		return 1
	}
	return 0
}
