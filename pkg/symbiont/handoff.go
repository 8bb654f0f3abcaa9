package symbiont

import "time"

// Handoff is the signed transfer of a workflow step from one executor
// to the next. The task is identified by the workflow/step
// pair plus the capability the receiver must run; Context carries the
// JSON-encoded HandoffContext so the receiver resumes with the full
// prior-results and lineage trail.
type Handoff struct {
	From         NodeID    `json:"from"`
	To           NodeID    `json:"to"`
	WorkflowID   string    `json:"workflowId"`
	StepID       string    `json:"stepId"`
	CapabilityID string    `json:"capabilityId"`
	Context      []byte    `json:"context"` // JSON-encoded HandoffContext
	Timestamp    time.Time `json:"timestamp"`
	Signature    Signature `json:"signature"`
}

// CanonicalBytes returns the deterministic encoding signed by the
// sender, covering every field except Signature in a fixed order.
// Variable-length string fields are length-prefixed so no two distinct
// hand-offs can share an encoding.
func (h Handoff) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160+len(h.Context))
	buf = append(buf, h.From[:]...)
	buf = append(buf, h.To[:]...)
	buf = appendString(buf, h.WorkflowID)
	buf = appendString(buf, h.StepID)
	buf = appendString(buf, h.CapabilityID)
	buf = appendUint64(buf, uint64(len(h.Context)))
	buf = append(buf, h.Context...)
	buf = appendInt64(buf, h.Timestamp.UnixNano())
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, []byte(s)...)
}
