package testutil

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hupe1980/agentbus/core"
)

// DescriptorBuilder provides a fluent helper for constructing agent
// descriptors in tests. Example:
//
//	desc := NewDescriptorBuilder("product_agent").Capability("product.search").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type DescriptorBuilder struct {
	agentType    string
	version      string
	capabilities []core.Capability
	routingKey   string
	queueGroup   string
	maxTasks     int
	status       core.AgentStatus
	registeredAt time.Time
	heartbeat    *time.Time
}

// NewDescriptorBuilder creates a builder with defaults derived from the agent
// type: version "1.0.0", routing key "agents.<type>.tasks", queue group
// "<type>-workers" and a single concurrent task.
func NewDescriptorBuilder(agentType string) *DescriptorBuilder {
	token := strings.ReplaceAll(agentType, ".", "_")
	return &DescriptorBuilder{
		agentType:    agentType,
		version:      "1.0.0",
		routingKey:   "agents." + token + ".tasks",
		queueGroup:   token + "-workers",
		maxTasks:     1,
		status:       core.StatusRegistered,
		registeredAt: time.Now(),
	}
}

// Version overrides the semver version (chainable).
func (b *DescriptorBuilder) Version(v string) *DescriptorBuilder { b.version = v; return b }

// Capability appends a capability with any-shaped input and output (chainable).
func (b *DescriptorBuilder) Capability(name string) *DescriptorBuilder {
	b.capabilities = append(b.capabilities, core.Capability{
		Name:   name,
		Input:  core.SchemaDescriptor{Kind: core.SchemaAny},
		Output: core.SchemaDescriptor{Kind: core.SchemaAny},
	})
	return b
}

// CapabilityWithConfidence appends a capability carrying a confidence hint
// (chainable). Use when a test exercises duplicate-capability tie-breaks.
func (b *DescriptorBuilder) CapabilityWithConfidence(name string, confidence float64) *DescriptorBuilder {
	b.capabilities = append(b.capabilities, core.Capability{
		Name:           name,
		Input:          core.SchemaDescriptor{Kind: core.SchemaAny},
		Output:         core.SchemaDescriptor{Kind: core.SchemaAny},
		ConfidenceHint: &confidence,
	})
	return b
}

// RoutingKey overrides the transport destination (chainable).
func (b *DescriptorBuilder) RoutingKey(key string) *DescriptorBuilder { b.routingKey = key; return b }

// QueueGroup overrides the competing-consumer group (chainable).
func (b *DescriptorBuilder) QueueGroup(group string) *DescriptorBuilder {
	b.queueGroup = group
	return b
}

// MaxConcurrentTasks sets the concurrency bound (chainable).
func (b *DescriptorBuilder) MaxConcurrentTasks(n int) *DescriptorBuilder { b.maxTasks = n; return b }

// Status overrides the lifecycle status (chainable).
func (b *DescriptorBuilder) Status(s core.AgentStatus) *DescriptorBuilder { b.status = s; return b }

// RegisteredAt overrides the registration timestamp (chainable). Use in tests
// where recency tie-breaks matter.
func (b *DescriptorBuilder) RegisteredAt(t time.Time) *DescriptorBuilder {
	b.registeredAt = t
	return b
}

// Heartbeat sets the last-heartbeat timestamp (chainable).
func (b *DescriptorBuilder) Heartbeat(t time.Time) *DescriptorBuilder { b.heartbeat = &t; return b }

// Build assembles the descriptor. A builder with no capabilities declares one
// named "<agent_type>.work" so the result always validates.
func (b *DescriptorBuilder) Build() core.AgentDescriptor {
	caps := b.capabilities
	if len(caps) == 0 {
		caps = []core.Capability{{
			Name:   b.agentType + ".work",
			Input:  core.SchemaDescriptor{Kind: core.SchemaAny},
			Output: core.SchemaDescriptor{Kind: core.SchemaAny},
		}}
	}
	return core.AgentDescriptor{
		AgentType:          b.agentType,
		Version:            b.version,
		Capabilities:       caps,
		RoutingKey:         b.routingKey,
		QueueGroup:         b.queueGroup,
		MaxConcurrentTasks: b.maxTasks,
		Status:             b.status,
		RegisteredAt:       b.registeredAt,
		LastHeartbeat:      b.heartbeat,
	}
}

// DelegationBuilder provides a fluent helper for constructing task
// delegations in tests. Example:
//
//	task := NewDelegationBuilder("product.search").JSONPayload(map[string]any{"term": "shoes"}).Build()
type DelegationBuilder struct {
	capability    string
	payload       json.RawMessage
	correlationID string
	budget        core.Budget
	depth         *int
}

// NewDelegationBuilder creates a builder targeting the given capability.
func NewDelegationBuilder(capability string) *DelegationBuilder {
	return &DelegationBuilder{capability: capability}
}

// Payload sets the raw payload (chainable).
func (b *DelegationBuilder) Payload(p json.RawMessage) *DelegationBuilder { b.payload = p; return b }

// JSONPayload marshals v as the payload (chainable). Marshal errors panic;
// test inputs are static.
func (b *DelegationBuilder) JSONPayload(v any) *DelegationBuilder {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	b.payload = raw
	return b
}

// Correlation sets the correlation id (chainable).
func (b *DelegationBuilder) Correlation(id string) *DelegationBuilder { b.correlationID = id; return b }

// Timeout sets the budget timeout (chainable).
func (b *DelegationBuilder) Timeout(d time.Duration) *DelegationBuilder {
	b.budget.Timeout = d
	return b
}

// Depth overrides the remaining delegation depth (chainable).
func (b *DelegationBuilder) Depth(d int) *DelegationBuilder { b.depth = &d; return b }

// Build assembles the delegation with a fresh task id and, unless overridden,
// a fresh correlation id.
func (b *DelegationBuilder) Build() core.TaskDelegation {
	task := core.NewTaskDelegation(b.capability, b.payload)
	task.Budget = b.budget
	if b.correlationID != "" {
		task.CorrelationID = b.correlationID
	} else {
		task.CorrelationID = core.NewID()
	}
	if b.depth != nil {
		task.Depth = *b.depth
	}
	return task
}
