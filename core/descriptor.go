package core

import (
	"time"
)

// AgentStatus models the directory lifecycle of a registered agent.
type AgentStatus string

const (
	// StatusRegistered marks a descriptor accepted by the directory but not
	// yet confirmed ready by a heartbeat.
	StatusRegistered AgentStatus = "REGISTERED"
	// StatusReady marks a heartbeating agent eligible for routing.
	StatusReady AgentStatus = "READY"
	// StatusDraining marks an agent finishing in-flight work before shutdown.
	StatusDraining AgentStatus = "DRAINING"
	// StatusDeregistered marks a removed or evicted descriptor. Deregistered
	// descriptors never appear in the capability registry projection.
	StatusDeregistered AgentStatus = "DEREGISTERED"
)

// SchemaKind discriminates SchemaDescriptor variants.
type SchemaKind string

const (
	// SchemaAny accepts any shape.
	SchemaAny SchemaKind = "any"
	// SchemaObject describes a JSON object with named fields.
	SchemaObject SchemaKind = "object"
	// SchemaArray describes a homogeneous JSON array.
	SchemaArray SchemaKind = "array"
	// SchemaString describes a JSON string.
	SchemaString SchemaKind = "string"
	// SchemaNumber describes a JSON number.
	SchemaNumber SchemaKind = "number"
	// SchemaBool describes a JSON boolean.
	SchemaBool SchemaKind = "bool"
)

// SchemaDescriptor is a structural, tagged-variant description of a
// capability's input or output shape. It is opaque to routing and streaming;
// boundary validation interprets it. Representing shapes as a closed variant
// set (instead of untyped maps) keeps duck-typed capability matching explicit.
type SchemaDescriptor struct {
	Kind   SchemaKind                  `json:"kind"`
	Fields map[string]SchemaDescriptor `json:"fields,omitempty"` // Kind == object
	Items  *SchemaDescriptor           `json:"items,omitempty"`  // Kind == array
}

// Capability is a named, discrete unit of work an agent can perform.
type Capability struct {
	// Name is the unique routing key for the capability, e.g. "product.search".
	Name string `json:"name"`
	// Input describes the accepted payload shape.
	Input SchemaDescriptor `json:"input"`
	// Output describes the produced payload shape.
	Output SchemaDescriptor `json:"output"`
	// ConfidenceHint, when present, biases duplicate-capability tie-breaks.
	// It plays no role in routing a uniquely-declared capability.
	ConfidenceHint *float64 `json:"confidence_hint,omitempty"`
}

// AgentDescriptor is the durable directory record describing one agent type.
type AgentDescriptor struct {
	AgentType          string       `json:"agent_type"`
	Version            string       `json:"version"` // semver
	Capabilities       []Capability `json:"capabilities"`
	RoutingKey         string       `json:"routing_key"`
	QueueGroup         string       `json:"queue_group"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	Status             AgentStatus  `json:"status"`
	RegisteredAt       time.Time    `json:"registered_at"`
	LastHeartbeat      *time.Time   `json:"last_heartbeat,omitempty"`

	// ActiveTasks is an advisory in-flight gauge refreshed by heartbeats. The
	// router uses it to flag saturation; enforcement stays with the
	// transport's queue-group delivery.
	ActiveTasks int `json:"active_tasks"`
}

// Validate rejects malformed descriptors before any directory side effect.
func (d *AgentDescriptor) Validate() error {
	if d.AgentType == "" {
		return NewValidationError("agent_type", "must not be empty")
	}
	if len(d.Capabilities) == 0 {
		return NewValidationError("capabilities", "must declare at least one capability")
	}
	seen := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		if c.Name == "" {
			return NewValidationError("capabilities", "capability name must not be empty")
		}
		if _, dup := seen[c.Name]; dup {
			return NewValidationError("capabilities", "duplicate capability "+c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.ConfidenceHint != nil && (*c.ConfidenceHint < 0 || *c.ConfidenceHint > 1) {
			return NewValidationError("confidence_hint", "must be within [0,1]")
		}
	}
	if !validRoutingKey(d.RoutingKey) {
		return NewValidationError("routing_key", "malformed destination "+d.RoutingKey)
	}
	if d.MaxConcurrentTasks < 1 {
		return NewValidationError("max_concurrent_tasks", "must be >= 1")
	}
	return nil
}

// HasCapability reports whether the descriptor declares the named capability.
func (d *AgentDescriptor) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Confidence returns the confidence hint for the named capability, or the
// supplied fallback when absent or undeclared.
func (d *AgentDescriptor) Confidence(name string, fallback float64) float64 {
	for _, c := range d.Capabilities {
		if c.Name == name && c.ConfidenceHint != nil {
			return *c.ConfidenceHint
		}
	}
	return fallback
}

// Clone returns a deep copy so callers can hand out descriptors without
// exposing internal state to mutation.
func (d *AgentDescriptor) Clone() *AgentDescriptor {
	cp := *d
	cp.Capabilities = make([]Capability, len(d.Capabilities))
	copy(cp.Capabilities, d.Capabilities)
	if d.LastHeartbeat != nil {
		hb := *d.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	return &cp
}

// validRoutingKey accepts dot-separated lowercase tokens, the conventional
// subject form of the transport (e.g. "agents.product_agent.tasks").
func validRoutingKey(key string) bool {
	if key == "" || key[0] == '.' || key[len(key)-1] == '.' {
		return false
	}
	prevDot := false
	for _, r := range key {
		switch {
		case r == '.':
			if prevDot {
				return false
			}
			prevDot = true
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			prevDot = false
		default:
			return false
		}
	}
	return true
}
