// Package router resolves task delegations to transport destinations and
// dispatches them. Routing is total: every delegation in a plan produces a
// result, routed or not, in plan order, so callers can always correlate
// outcomes back to the plan that produced them.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/logging"
	"github.com/hupe1980/agentbus/registry"
	"github.com/hupe1980/agentbus/telemetry"
)

// Resolver resolves a capability name to its routable entry. *registry.Registry
// and *registry.Snapshot both satisfy it.
type Resolver interface {
	Lookup(capability string) (registry.Entry, error)
}

// Result is the routing outcome for one delegation.
type Result struct {
	Delegation core.TaskDelegation
	// Routed reports whether the delegation was published to a destination.
	Routed bool
	// Destination and AgentType identify where a routed delegation went.
	Destination string
	AgentType   string
	// Saturated flags that the chosen agent reported full concurrency at
	// snapshot time. The delegation is still published; the queue group
	// absorbs the backlog.
	Saturated bool
	// Reason explains an unrouted result.
	Reason string
}

// Options configures a Router.
type Options struct {
	// Logger receives one entry per routing decision.
	Logger logging.Logger
}

// Router dispatches delegations over the transport using a capability
// resolver for destination lookup.
type Router struct {
	resolver  Resolver
	transport core.Transport
	opts      Options
}

// New creates a Router.
func New(resolver Resolver, transport core.Transport, optFns ...func(o *Options)) *Router {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{resolver: resolver, transport: transport, opts: opts}
}

// Route dispatches every delegation in the plan, in order. The returned slice
// always has exactly one result per delegation; a lookup miss or publish
// failure yields an unrouted result instead of aborting the rest of the plan.
func (r *Router) Route(ctx context.Context, plan []core.TaskDelegation) []Result {
	results := make([]Result, 0, len(plan))
	for _, d := range plan {
		results = append(results, r.routeOne(ctx, d))
	}
	return results
}

// RouteOne dispatches a single delegation.
func (r *Router) RouteOne(ctx context.Context, d core.TaskDelegation) Result {
	return r.routeOne(ctx, d)
}

func (r *Router) routeOne(ctx context.Context, d core.TaskDelegation) Result {
	res := Result{Delegation: d}
	if d.TargetCapability == "" {
		res.Reason = "delegation has no target capability"
		r.logDecision(res)
		return res
	}

	entry, err := r.resolver.Lookup(d.TargetCapability)
	if err != nil {
		if errors.Is(err, core.ErrCapabilityNotFound) {
			res.Reason = fmt.Sprintf("no agent declares capability %s", d.TargetCapability)
		} else {
			res.Reason = fmt.Sprintf("capability lookup failed: %v", err)
		}
		r.logDecision(res)
		return res
	}

	env, err := d.Envelope()
	if err != nil {
		res.Reason = fmt.Sprintf("encode delegation: %v", err)
		r.logDecision(res)
		return res
	}
	// Consumers parent their spans onto the caller's trace.
	env = telemetry.Stamp(ctx, env)

	if err := r.transport.Publish(ctx, entry.RoutingKey, env); err != nil {
		res.Reason = fmt.Sprintf("publish to %s failed: %v", entry.RoutingKey, err)
		r.logDecision(res)
		return res
	}

	res.Routed = true
	res.Destination = entry.RoutingKey
	res.AgentType = entry.AgentType
	res.Saturated = entry.Saturated()
	if res.Saturated {
		r.opts.Logger.Warn("capability %s routed to saturated agent %s (%d/%d in flight)",
			d.TargetCapability, entry.AgentType, entry.ActiveTasks, entry.MaxConcurrentTasks)
	}
	r.logDecision(res)
	return res
}

func (r *Router) logDecision(res Result) {
	if bl, ok := r.opts.Logger.(*logging.BusLogger); ok {
		bl.LogDelegation(res.Delegation.TaskID, res.Delegation.TargetCapability, res.Destination, res.Routed, res.Reason)
		return
	}
	if res.Routed {
		r.opts.Logger.Info("delegated %s to %s", res.Delegation.TargetCapability, res.Destination)
	} else {
		r.opts.Logger.Warn("delegation %s unroutable: %s", res.Delegation.TargetCapability, res.Reason)
	}
}
