package symbiont

import "time"

// WorkflowStepStatus is the per-step state machine: Pending →
// (Waiting|Ready) → Running → (Completed|Failed), with a retry edge
// Running → Ready while RetryCount < MaxStepRetries. The terminal
// Skipped state is reached when an optional step fails or a dependency
// was skipped, and Cancelled when the workflow is cancelled.
type WorkflowStepStatus int

const (
	StepPending WorkflowStepStatus = iota
	StepWaiting
	StepReady
	StepRunning
	StepCompleted
	StepFailed
	StepSkipped
	StepCancelled
)

func (s WorkflowStepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepWaiting:
		return "waiting"
	case StepReady:
		return "ready"
	case StepRunning:
		return "running"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	case StepCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MaxStepRetries bounds the Running→Ready retry edge.
const MaxStepRetries = 3

// AggregationStrategy names a parallel-fan-in strategy for workflow
// steps executed concurrently.
type AggregationStrategy string

const (
	AggregationMajority           AggregationStrategy = "majority"
	AggregationTrustWeightedVote  AggregationStrategy = "trust_weighted_vote"
	AggregationAverage            AggregationStrategy = "average"
	AggregationMedian             AggregationStrategy = "median"
	AggregationUnanimous          AggregationStrategy = "unanimous"
)

// WorkflowStatus is the terminal/non-terminal state of the workflow as
// a whole, distinct from any individual step's status.
type WorkflowStatus int

const (
	WorkflowRunning WorkflowStatus = iota
	WorkflowCompleted
	WorkflowFailed
	WorkflowCancelled
)

func (s WorkflowStatus) String() string {
	switch s {
	case WorkflowRunning:
		return "running"
	case WorkflowCompleted:
		return "completed"
	case WorkflowFailed:
		return "failed"
	case WorkflowCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// WorkflowStep is a single unit of work in a workflow DAG, assigned to
// an executing node by the routing scorer and run through the
// perspective-shifting hand-off protocol.
type WorkflowStep struct {
	ID         string   `json:"id"`
	DependsOn  []string `json:"dependsOn"`
	Assignee   NodeID   `json:"assignee"`
	CapabilityID string `json:"capabilityId"`

	Aggregation AggregationStrategy `json:"aggregation,omitempty"` // only meaningful with len(DependsOn) > 1

	Status     WorkflowStepStatus `json:"status"`
	RetryCount int                `json:"retryCount"`

	Result    []byte    `json:"result,omitempty"` // opaque application payload
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Workflow is an ordered DAG of steps executed across the network,
// threading a HandoffContext between dependent steps.
type Workflow struct {
	ID        string                  `json:"id"`
	Steps     map[string]*WorkflowStep `json:"steps"`
	Status    WorkflowStatus          `json:"status"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// Ready reports whether every dependency of step id has completed, so
// the executor may transition it from Waiting to Ready.
func (w *Workflow) Ready(id string) bool {
	step, ok := w.Steps[id]
	if !ok {
		return false
	}
	for _, dep := range step.DependsOn {
		d, ok := w.Steps[dep]
		if !ok || d.Status != StepCompleted {
			return false
		}
	}
	return true
}

// HandoffContext is threaded between dependent workflow steps: the
// workflow identity, the results of every prior step, a typed
// accumulated map, and the lineage of nodes that executed so far.
type HandoffContext struct {
	WorkflowID    string                 `json:"workflowId"`
	StepIndex     int                    `json:"stepIndex"`
	PriorResults  [][]byte               `json:"priorResults"`
	Accumulated   map[string]interface{} `json:"accumulated"`
	Lineage       []NodeID               `json:"lineage"`
}

// NewHandoffContext returns an empty context for the first step of a
// workflow, with no prior results and an empty lineage.
func NewHandoffContext(workflowID string) *HandoffContext {
	return &HandoffContext{
		WorkflowID:   workflowID,
		StepIndex:    0,
		PriorResults: nil,
		Accumulated:  make(map[string]interface{}),
		Lineage:      nil,
	}
}

// Advance returns the context handed to the next step: step index
// incremented, this step's result appended to PriorResults, and this
// step's executing node appended to Lineage. The accumulated map is
// carried forward by reference — callers that need isolation should
// copy it first.
func (h *HandoffContext) Advance(executedBy NodeID, result []byte) *HandoffContext {
	next := &HandoffContext{
		WorkflowID:   h.WorkflowID,
		StepIndex:    h.StepIndex + 1,
		PriorResults: append(append([][]byte{}, h.PriorResults...), result),
		Accumulated:  h.Accumulated,
		Lineage:      append(append([]NodeID{}, h.Lineage...), executedBy),
	}
	return next
}
