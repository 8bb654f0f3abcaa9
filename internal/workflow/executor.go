// Executor drives the sequential/parallel/DAG execution modes on top
// of Manager's step bookkeeping. The sequential mode's perspective
// shift — each step routed from the node that executed the previous
// step, not from the workflow's originator — is what distinguishes
// this from a conventional job scheduler: routing knowledge lives at
// the edges, so the node closest to the work picks the next executor.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/symbiont-net/node/internal/routing"
	"github.com/symbiont-net/node/pkg/symbiont"
)

var (
	// ErrNoOrigin is returned when the registry cannot resolve the
	// workflow's originating node.
	ErrNoOrigin = errors.New("workflow: originating node not resolvable")
	// ErrNodeUnreachable is returned when a chosen routing target
	// cannot be resolved to a RoutingNode by the registry.
	ErrNodeUnreachable = errors.New("workflow: routed target not resolvable")
)

// RoutingNode is the per-node surface the executor needs: its own
// capability-aware routing decision (already scoped to that
// node's local trust/load/threat view) and a way to run a capability
// once a step lands on it. Satisfied by *internal/node.Node plus
// whatever local capability backend the embedding application
// injects.
type RoutingNode interface {
	ID() symbiont.NodeID
	Route(task routing.Task, local routing.LocalState, minTrust, minQuality float64) routing.Result
	ExecuteCapability(ctx context.Context, capabilityID string, hctx *symbiont.HandoffContext) ([]byte, error)
}

// NodeRegistry resolves a NodeID to the RoutingNode that owns it. In a
// single process hosting one node, the registry holds only that node
// plus remote proxies reached over the transport; a local
// multi-node simulation (tests, mostly) can instead hold
// every node directly, which is what LocalNetwork below provides.
type NodeRegistry interface {
	Resolve(id symbiont.NodeID) (RoutingNode, bool)
}

// LocalNetwork is an in-memory NodeRegistry over a fixed set of
// RoutingNodes, addressed by their own ID. It is the natural vehicle
// for driving a multi-node scenario (the perspective-shift tests)
// inside a single process without a transport round trip.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[symbiont.NodeID]RoutingNode
}

// NewLocalNetwork returns a LocalNetwork seeded with nodes.
func NewLocalNetwork(nodes ...RoutingNode) *LocalNetwork {
	n := &LocalNetwork{nodes: make(map[symbiont.NodeID]RoutingNode, len(nodes))}
	for _, rn := range nodes {
		n.nodes[rn.ID()] = rn
	}
	return n
}

// Add registers rn under its own ID.
func (n *LocalNetwork) Add(rn RoutingNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[rn.ID()] = rn
}

func (n *LocalNetwork) Resolve(id symbiont.NodeID) (RoutingNode, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rn, ok := n.nodes[id]
	return rn, ok
}

// StepSpec is the caller-supplied description of one workflow step,
// distinct from symbiont.WorkflowStep (the persisted record Manager
// tracks) so the executor can accept a plain task description and let
// Manager own the lifecycle bookkeeping.
type StepSpec struct {
	ID           string
	CapabilityID string
	DependsOn    []string
	Optional     bool
	Aggregation  symbiont.AggregationStrategy
	MinTrust     float64
	MinQuality   float64
}

// Executor runs StepSpecs through Manager-tracked steps, performing
// the routing + hand-off + capability-execution loop.
type Executor struct {
	manager  *Manager
	registry NodeRegistry
}

// NewExecutor returns an Executor that tracks steps in manager and
// resolves routing targets through registry.
func NewExecutor(manager *Manager, registry NodeRegistry) *Executor {
	return &Executor{manager: manager, registry: registry}
}

func toWorkflowSteps(specs []StepSpec) []*symbiont.WorkflowStep {
	out := make([]*symbiont.WorkflowStep, len(specs))
	for i, s := range specs {
		out[i] = &symbiont.WorkflowStep{
			ID:           s.ID,
			DependsOn:    s.DependsOn,
			CapabilityID: s.CapabilityID,
			Aggregation:  s.Aggregation,
		}
	}
	return out
}

func specByID(specs []StepSpec) map[string]StepSpec {
	m := make(map[string]StepSpec, len(specs))
	for _, s := range specs {
		m[s.ID] = s
	}
	return m
}

// routeAndRun performs one hop of the protocol: from's perspective
// routes the capability, the chosen target (possibly from itself, on
// the Local shortcut) executes it, and the result plus the node that
// actually executed are returned so the caller can advance the
// HandoffContext and shift perspective to that node for the next step.
func (e *Executor) routeAndRun(ctx context.Context, from RoutingNode, spec StepSpec, hctx *symbiont.HandoffContext, excluded map[symbiont.NodeID]struct{}) ([]byte, symbiont.NodeID, error) {
	task := routing.Task{RequiredCaps: []string{spec.CapabilityID}, ExcludedNodes: excluded}
	result := from.Route(task, routing.LocalState{}, spec.MinTrust, spec.MinQuality)

	switch result.Kind {
	case routing.ResultLocal:
		out, err := from.ExecuteCapability(ctx, spec.CapabilityID, hctx)
		return out, from.ID(), err

	case routing.ResultRouted:
		target, ok := e.registry.Resolve(result.Target)
		if !ok {
			return nil, symbiont.NodeID{}, ErrNodeUnreachable
		}
		out, err := target.ExecuteCapability(ctx, spec.CapabilityID, hctx)
		return out, target.ID(), err

	case routing.ResultNoCandidates:
		return nil, symbiont.NodeID{}, fmt.Errorf("workflow: step %s: %w", spec.ID, ErrNoCandidates)

	default:
		return nil, symbiont.NodeID{}, fmt.Errorf("workflow: step %s routing failed: %s", spec.ID, result.Reason)
	}
}

// ErrNoCandidates mirrors routing.ResultNoCandidates as a step-level
// error; a step that cannot be routed fails without retrying.
var ErrNoCandidates = errors.New("no viable routing candidates")

// runStepWithRetries drives one step to a terminal state: each attempt
// runs under the configured task deadline, failures consume the
// Running→Ready retry edge until MaxStepRetries is spent, and routing
// NoCandidates short-circuits to a terminal failure. Returns the
// result and the node that executed it on success.
func (e *Executor) runStepWithRetries(ctx context.Context, workflowID string, from RoutingNode, spec StepSpec, hctx *symbiont.HandoffContext, now time.Time) ([]byte, symbiont.NodeID, error) {
	var zero symbiont.NodeID
	excluded := make(map[symbiont.NodeID]struct{})
	for {
		if err := e.manager.StartStep(workflowID, spec.ID, from.ID(), now); err != nil {
			return nil, zero, err
		}

		stepCtx, cancel := context.WithTimeout(ctx, e.manager.cfg.DefaultTaskTimeout)
		out, by, err := e.routeAndRun(stepCtx, from, spec, hctx, excluded)
		cancel()

		if err == nil {
			if cerr := e.manager.CompleteStep(workflowID, spec.ID, out, now); cerr != nil {
				return nil, zero, cerr
			}
			return out, by, nil
		}

		if errors.Is(err, context.DeadlineExceeded) {
			err = symbiont.WrapError(symbiont.KindTimeout, "step deadline expired", err)
		}

		// Back-pressure: a target that rejected the hand-off is taken
		// out of the candidate pool so the retry re-routes to the
		// next-best peer instead of hammering the same one.
		if kind, ok := symbiont.KindOf(err); ok && !by.IsZero() &&
			(kind == symbiont.KindOverloaded || kind == symbiont.KindMissingCapability) {
			excluded[by] = struct{}{}
		}

		if errors.Is(err, ErrNoCandidates) {
			if ferr := e.manager.FailStepTerminal(workflowID, spec.ID, spec.Optional, now); ferr != nil {
				return nil, zero, ferr
			}
			return nil, zero, err
		}

		if ferr := e.manager.FailStep(workflowID, spec.ID, spec.Optional, now); ferr != nil {
			return nil, zero, ferr
		}
		if status, ok := e.manager.StepStatus(workflowID, spec.ID); !ok || status != symbiont.StepReady {
			return nil, zero, err // retries exhausted; step is now Failed or Skipped
		}
	}
}

// RunSequential executes steps one after another, each routed from the
// perspective of whichever node executed the step before it — the
// perspective shift. originator is the node that owns the
// workflow at submission time and routes the first step.
func (e *Executor) RunSequential(ctx context.Context, workflowID string, originator symbiont.NodeID, specs []StepSpec, now time.Time) (*symbiont.HandoffContext, error) {
	e.manager.Create(workflowID, toWorkflowSteps(specs), now)

	current, ok := e.registry.Resolve(originator)
	if !ok {
		return nil, ErrNoOrigin
	}

	hctx := symbiont.NewHandoffContext(workflowID)

	for _, spec := range specs {
		result, executedBy, err := e.runStepWithRetries(ctx, workflowID, current, spec, hctx, now)
		if err != nil {
			if !spec.Optional {
				return hctx, err
			}
			continue
		}

		hctx = hctx.Advance(executedBy, result)

		next, ok := e.registry.Resolve(executedBy)
		if !ok {
			return hctx, ErrNodeUnreachable
		}
		current = next
	}

	return hctx, nil
}

// parallelResult pairs a step's outcome with the node that ran it, so
// RunParallel can build an aggregated HandoffContext the same way
// RunSequential does.
type parallelResult struct {
	spec       StepSpec
	result     []byte
	executedBy symbiont.NodeID
	err        error
}

// RunParallel routes every independent step concurrently from the
// originator's own perspective (there is no prior executor to shift
// to, since none of these steps depend on one another), executes them
// concurrently, and appends each successful result to the returned
// HandoffContext in spec order. It does not merge the results:
// strategy is returned unchanged for the caller to apply with
// AggregateParallel.
func (e *Executor) RunParallel(ctx context.Context, workflowID string, originator symbiont.NodeID, specs []StepSpec, strategy symbiont.AggregationStrategy, now time.Time) (*symbiont.HandoffContext, symbiont.AggregationStrategy, error) {
	e.manager.Create(workflowID, toWorkflowSteps(specs), now)

	origin, ok := e.registry.Resolve(originator)
	if !ok {
		return nil, strategy, ErrNoOrigin
	}

	hctx := symbiont.NewHandoffContext(workflowID)

	results := make([]parallelResult, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec StepSpec) {
			defer wg.Done()
			out, executedBy, err := e.runStepWithRetries(ctx, workflowID, origin, spec, hctx, now)
			results[i] = parallelResult{spec: spec, result: out, executedBy: executedBy, err: err}
		}(i, spec)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			if !r.spec.Optional {
				return hctx, strategy, r.err
			}
			continue
		}
		hctx = hctx.Advance(r.executedBy, r.result)
	}

	return hctx, strategy, nil
}

// RunDAG runs the topological fan-out in waves: every step with no
// outstanding dependency is launched concurrently, and readiness is
// re-evaluated once the whole wave has finished. A step with exactly one dependency
// routes from the node that executed that dependency (perspective
// shift, as in the sequential case); a step with zero or multiple
// dependencies routes from originator, since there is no single
// unambiguous prior executor to shift to.
func (e *Executor) RunDAG(ctx context.Context, workflowID string, originator symbiont.NodeID, specs []StepSpec, now time.Time) (*symbiont.HandoffContext, error) {
	e.manager.Create(workflowID, toWorkflowSteps(specs), now)

	origin, ok := e.registry.Resolve(originator)
	if !ok {
		return nil, ErrNoOrigin
	}

	bySpec := specByID(specs)
	executedBy := make(map[string]symbiont.NodeID)

	hctx := symbiont.NewHandoffContext(workflowID)
	var mu sync.Mutex

	for {
		ready, err := e.manager.ReadySteps(workflowID)
		if err != nil {
			return hctx, err
		}
		if len(ready) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, stepID := range ready {
			spec := bySpec[stepID]
			wg.Add(1)
			go func(spec StepSpec) {
				defer wg.Done()

				from := origin
				if len(spec.DependsOn) == 1 {
					mu.Lock()
					if id, ok := executedBy[spec.DependsOn[0]]; ok {
						if rn, ok := e.registry.Resolve(id); ok {
							from = rn
						}
					}
					mu.Unlock()
				}

				out, by, err := e.runStepWithRetries(ctx, workflowID, from, spec, hctx, now)
				if err != nil {
					return
				}

				mu.Lock()
				executedBy[spec.ID] = by
				hctx = hctx.Advance(by, out)
				mu.Unlock()
			}(spec)
		}
		wg.Wait()

		// Steps downstream of a failed or skipped dependency will never
		// become ready; resolve them so the loop terminates.
		if err := e.manager.ResolveBlocked(workflowID, now); err != nil {
			return hctx, err
		}
	}

	return hctx, nil
}
