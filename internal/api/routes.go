package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/symbiont-net/node/internal/node"
	"github.com/symbiont-net/node/internal/routing"
	"github.com/symbiont-net/node/internal/transport"
	"github.com/symbiont-net/node/internal/workflow"
	"github.com/symbiont-net/node/pkg/symbiont"
)

// APIHandler is the Gin control-plane surface over a single node:
// status/trust inspection, dry-run routing, and workflow submission.
type APIHandler struct {
	node      *node.Node
	workflows *workflow.Manager
	executor  *workflow.Executor
	transport transport.PeerTransport
	wsHub     *Hub
}

// SetupRouter wires the control plane: CORS middleware, a public
// group (health, event stream), and a bearer-auth + rate-limited
// protected group for everything that reads or drives node state.
func SetupRouter(n *node.Node, workflows *workflow.Manager, executor *workflow.Executor, peerTransport transport.PeerTransport, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://example.org
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		node:      n,
		workflows: workflows,
		executor:  executor,
		transport: peerTransport,
		wsHub:     wsHub,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	auth.Use(NewRateLimiter(30, 5).Middleware())
	{
		auth.GET("/status", handler.handleStatus)
		auth.GET("/peers/:id/trust", handler.handlePeerTrust)
		auth.POST("/route", handler.handleRoute)
		auth.POST("/workflows", handler.handleSubmitWorkflow)
		auth.GET("/workflows/:id", handler.handleGetWorkflow)
	}

	return r
}

// handleHealth reports liveness and basic identity.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"nodeId": h.node.ID().String(),
	})
}

// handleStatus returns the node's lifecycle status, defense state,
// own trust score, and connection count. Flags are not included.
func (h *APIHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodeId":       h.node.ID().String(),
		"status":       h.node.Status().String(),
		"defenseState": h.node.DefenseState().String(),
		"trust":        h.node.Trust(),
		"connections":  len(h.node.Connections().Connections()),
	})
}

// handlePeerTrust returns this node's own projection of a peer's
// trust, which is built from local evidence only.
func (h *APIHandler) handlePeerTrust(c *gin.Context) {
	var peer symbiont.NodeID
	if err := peer.UnmarshalText([]byte(c.Param("id"))); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peerId":             peer.String(),
		"trust":              h.node.PeerTrust(peer),
		"blocked":            h.node.Blocked(peer),
		"underInvestigation": h.node.PeerFlagged(peer, symbiont.FlagUnderInvestigation),
	})
}

// routeRequest is the wire shape for a dry-run routing decision.
type routeRequest struct {
	RequiredCaps []string `json:"requiredCaps"`
	MinTrust     float64  `json:"minTrust"`
	MinQuality   float64  `json:"minQuality"`
	HasCapability bool    `json:"hasCapability"`
	Load          float64 `json:"load"`
}

// handleRoute dry-runs the routing decision without committing to
// dispatch it, letting an operator or another node preview who a task
// would land on.
func (h *APIHandler) handleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if len(req.RequiredCaps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requiredCaps must not be empty"})
		return
	}

	task := routing.Task{RequiredCaps: req.RequiredCaps}
	local := routing.LocalState{HasCapability: req.HasCapability, Load: req.Load}
	result := h.node.Route(task, local, req.MinTrust, req.MinQuality)

	c.JSON(http.StatusOK, gin.H{
		"kind":   routeResultKindString(result.Kind),
		"target": result.Target.String(),
		"score":  result.Score,
		"reason": result.Reason,
	})
}

func routeResultKindString(k routing.ResultKind) string {
	switch k {
	case routing.ResultLocal:
		return "local"
	case routing.ResultRouted:
		return "routed"
	case routing.ResultNoCandidates:
		return "no_candidates"
	default:
		return "failed"
	}
}

// workflowStepRequest mirrors workflow.StepSpec over the wire.
type workflowStepRequest struct {
	ID           string   `json:"id"`
	CapabilityID string   `json:"capabilityId"`
	DependsOn    []string `json:"dependsOn"`
	Optional     bool     `json:"optional"`
	Aggregation  string   `json:"aggregation"`
	MinTrust     float64  `json:"minTrust"`
	MinQuality   float64  `json:"minQuality"`
}

type submitWorkflowRequest struct {
	ID    string                `json:"id"`
	Mode  string                `json:"mode"` // "sequential" | "parallel" | "dag"
	Steps []workflowStepRequest `json:"steps"`
}

// handleSubmitWorkflow submits a workflow for execution. The executor
// runs in the background; the response returns immediately with a
// status the caller polls via GET /workflows/:id.
func (h *APIHandler) handleSubmitWorkflow(c *gin.Context) {
	var req submitWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if len(req.Steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "steps are required"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	specs := make([]workflow.StepSpec, len(req.Steps))
	for i, s := range req.Steps {
		specs[i] = workflow.StepSpec{
			ID:           s.ID,
			CapabilityID: s.CapabilityID,
			DependsOn:    s.DependsOn,
			Optional:     s.Optional,
			Aggregation:  symbiont.AggregationStrategy(s.Aggregation),
			MinTrust:     s.MinTrust,
			MinQuality:   s.MinQuality,
		}
	}

	originator := h.node.ID()
	now := time.Now()

	go func() {
		ctx := context.Background()
		var err error
		switch req.Mode {
		case "parallel":
			_, _, err = h.executor.RunParallel(ctx, req.ID, originator, specs, symbiont.AggregationAverage, now)
		case "dag":
			_, err = h.executor.RunDAG(ctx, req.ID, originator, specs, now)
		default:
			_, err = h.executor.RunSequential(ctx, req.ID, originator, specs, now)
		}
		if err != nil {
			log.Printf("api: workflow %s failed: %v", req.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"id":     req.ID,
		"status": "submitted",
	})
}

// handleGetWorkflow returns the current bookkeeping state of a
// submitted workflow.
func (h *APIHandler) handleGetWorkflow(c *gin.Context) {
	id := c.Param("id")
	wf, ok := h.workflows.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}
	c.JSON(http.StatusOK, wf)
}

// BroadcastNodeEvent sends a structured event (status transition,
// defense action, workflow completion) to every subscriber of
// GET /api/v1/stream.
func BroadcastNodeEvent(wsHub *Hub, eventType string, payload interface{}) {
	msg := gin.H{"type": eventType, "payload": payload}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("api: failed to marshal node event %s: %v", eventType, err)
		return
	}
	wsHub.Broadcast(b)
}
