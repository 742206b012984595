package core

import (
	"encoding/json"
	"time"
)

// DefaultMaxDelegationDepth bounds transitive fan-out. A coordinator that
// receives a delegation at depth 0 must refuse further delegation rather than
// re-enter itself.
const DefaultMaxDelegationDepth = 4

// Budget bounds a delegated unit of work. Zero values mean "inherit from the
// delegating context"; Merge resolves the inheritance.
type Budget struct {
	MaxTokens int           `json:"max_tokens,omitempty"`
	MaxTurns  int           `json:"max_turns,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Merge fills unset fields of b from the parent budget and returns the result.
func (b Budget) Merge(parent Budget) Budget {
	if b.MaxTokens == 0 {
		b.MaxTokens = parent.MaxTokens
	}
	if b.MaxTurns == 0 {
		b.MaxTurns = parent.MaxTurns
	}
	if b.Timeout == 0 {
		b.Timeout = parent.Timeout
	}
	return b
}

// TaskDelegation assigns one sub-task to a capability. It is immutable after
// publish; completion and failure are separate events, never mutations.
type TaskDelegation struct {
	TaskID           string          `json:"task_id"`
	TargetCapability string          `json:"target_capability"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Budget           Budget          `json:"budget,omitempty"`
	CorrelationID    string          `json:"correlation_id"`
	TraceID          string          `json:"trace_id,omitempty"`
	SpanID           string          `json:"span_id,omitempty"`
	ParentSpanID     string          `json:"parent_span_id,omitempty"`

	// Depth is the remaining delegation depth. Each hop decrements it; at
	// zero no further fan-out is permitted (cycle prevention).
	Depth int `json:"depth"`
}

// NewTaskDelegation creates a delegation targeting the given capability with
// a fresh task id and the default delegation depth.
func NewTaskDelegation(capability string, payload json.RawMessage) TaskDelegation {
	return TaskDelegation{
		TaskID:           NewID(),
		TargetCapability: capability,
		Payload:          payload,
		Depth:            DefaultMaxDelegationDepth,
	}
}

// Child derives a delegation one level deeper, inheriting correlation,
// tracing and budget. It returns ErrDepthExhausted when no depth remains.
func (t TaskDelegation) Child(capability string, payload json.RawMessage) (TaskDelegation, error) {
	if t.Depth <= 0 {
		return TaskDelegation{}, ErrDepthExhausted
	}
	child := NewTaskDelegation(capability, payload)
	child.CorrelationID = t.CorrelationID
	child.TraceID = t.TraceID
	child.ParentSpanID = t.SpanID
	child.Budget = child.Budget.Merge(t.Budget)
	child.Depth = t.Depth - 1
	return child, nil
}

// Envelope wraps the delegation in a task.delegated envelope, copying the
// correlation and tracing fields onto the wire shape.
func (t TaskDelegation) Envelope() (Envelope, error) {
	env, err := NewEnvelope(EventTypeTaskDelegated, t)
	if err != nil {
		return Envelope{}, err
	}
	env.CorrelationID = t.CorrelationID
	env.TraceID = t.TraceID
	env.SpanID = t.SpanID
	env.ParentSpanID = t.ParentSpanID
	return env, nil
}

// TaskCompletion is the terminal success event for a delegation.
type TaskCompletion struct {
	TaskID        string          `json:"task_id"`
	CorrelationID string          `json:"correlation_id"`
	AgentType     string          `json:"agent_type"`
	Result        json.RawMessage `json:"result,omitempty"`
	// StreamID references the chunk stream carrying the full result body,
	// when the result was streamed rather than inlined.
	StreamID string `json:"stream_id,omitempty"`
}

// TaskFailure is the terminal failure event for a delegation.
type TaskFailure struct {
	TaskID        string `json:"task_id"`
	CorrelationID string `json:"correlation_id"`
	AgentType     string `json:"agent_type"`
	Reason        string `json:"reason"`
	// Permanent distinguishes dead-lettered permanent failures from
	// retries-exhausted transient ones. Both are terminal for the task.
	Permanent bool `json:"permanent"`
}
