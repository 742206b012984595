// Package planner turns an inbound request into a delegation plan: the
// ordered set of capabilities to invoke and the payload for each.
//
// Planners choose capabilities, never destinations; resolving a capability to
// an agent and a transport subject is the router's job. The package provides
// deterministic planners for fixed topologies; the anthropic and openai
// subpackages derive plans with an LLM from the registry's planning context.
package planner

import (
	"context"
	"encoding/json"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/registry"
)

// Step is one planned delegation.
type Step struct {
	// Capability names the capability to invoke.
	Capability string `json:"capability"`
	// Payload is the input handed to that capability.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Planner produces a plan for a delegated task given the currently routable
// capability surface. An empty plan is valid: it means the coordinator can
// answer without fan-out.
type Planner interface {
	Plan(ctx context.Context, task core.TaskDelegation, capabilities []registry.CapabilitySummary) ([]Step, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, task core.TaskDelegation, capabilities []registry.CapabilitySummary) ([]Step, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, task core.TaskDelegation, capabilities []registry.CapabilitySummary) ([]Step, error) {
	return f(ctx, task, capabilities)
}

// Static returns a planner that always emits the same steps with the task's
// payload, for fixed pipelines and tests.
func Static(capabilities ...string) Planner {
	return PlannerFunc(func(_ context.Context, task core.TaskDelegation, _ []registry.CapabilitySummary) ([]Step, error) {
		steps := make([]Step, 0, len(capabilities))
		for _, c := range capabilities {
			steps = append(steps, Step{Capability: c, Payload: task.Payload})
		}
		return steps, nil
	})
}

// FanOut returns a planner that delegates the task payload to every routable
// capability, useful for broadcast-style aggregation over a homogeneous pool.
func FanOut() Planner {
	return PlannerFunc(func(_ context.Context, task core.TaskDelegation, capabilities []registry.CapabilitySummary) ([]Step, error) {
		steps := make([]Step, 0, len(capabilities))
		for _, c := range capabilities {
			steps = append(steps, Step{Capability: c.Name, Payload: task.Payload})
		}
		return steps, nil
	})
}
