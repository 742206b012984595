// Package coordinator implements the fan-out/aggregate pattern on top of the
// planner, router and result feed: plan sub-tasks for an inbound request,
// delegate them to specialist agents, await their outcomes and aggregate a
// single response, degrading gracefully when parts fail or time out.
//
// A Coordinator is itself an agent handler; host it in a runtime shell to
// give it registration, retries and drain behavior like any other agent.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/logging"
	"github.com/hupe1980/agentbus/planner"
	"github.com/hupe1980/agentbus/registry"
	"github.com/hupe1980/agentbus/router"
)

// Degradation markers attached to sub-results that did not complete normally.
const (
	// DegradedUnroutable marks steps no agent could receive.
	DegradedUnroutable = "unroutable"
	// DegradedTimeout marks steps whose outcome never arrived in budget.
	DegradedTimeout = "timeout"
	// DegradedFailed marks steps whose agent reported terminal failure.
	DegradedFailed = "failed"
)

// SubResult is the outcome of one planned step, in plan order.
type SubResult struct {
	Capability string          `json:"capability"`
	TaskID     string          `json:"task_id"`
	AgentType  string          `json:"agent_type,omitempty"`
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result,omitempty"`
	// StreamID references the chunk stream carrying the body when the
	// specialist streamed its result instead of inlining it.
	StreamID string `json:"stream_id,omitempty"`
	Error    string `json:"error,omitempty"`
	Degraded string `json:"degraded,omitempty"`
}

// Aggregate is the coordinator's response: every planned step accounted for,
// successful or degraded.
type Aggregate struct {
	CorrelationID string      `json:"correlation_id,omitempty"`
	Complete      bool        `json:"complete"`
	Results       []SubResult `json:"results"`
}

// outcome is one demuxed task.completed or task.failed event.
type outcome struct {
	taskID    string
	agentType string
	result    json.RawMessage
	streamID  string
	failure   string
	failed    bool
}

// Options configures a Coordinator.
type Options struct {
	// ResultDestination is where specialists publish completion and failure
	// events; the coordinator consumes it as a broadcast.
	ResultDestination string
	// AggregateTimeout bounds the wait for outcomes when the inbound task
	// carries no budget timeout of its own.
	AggregateTimeout time.Duration
	// Logger receives planning and aggregation events.
	Logger logging.Logger
	// Trajectory, when set, records delegation steps.
	Trajectory core.TrajectoryStore
	// Clock supplies timestamps; overridable in tests.
	Clock func() time.Time
}

// Coordinator plans, delegates and aggregates. Create with New, call Start
// once to attach the result feed, then host Handle in a runtime shell.
type Coordinator struct {
	planner   planner.Planner
	registry  *registry.Registry
	router    *router.Router
	transport core.Transport
	opts      Options

	mu      sync.Mutex
	waiters map[string]chan<- outcome
}

// New creates a Coordinator.
func New(p planner.Planner, reg *registry.Registry, r *router.Router, transport core.Transport, optFns ...func(o *Options)) (*Coordinator, error) {
	if p == nil {
		return nil, core.NewValidationError("planner", "must not be nil")
	}
	opts := Options{
		ResultDestination: "agentbus.results",
		AggregateTimeout:  30 * time.Second,
		Logger:            logging.NoOpLogger{},
		Clock:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{
		planner:   p,
		registry:  reg,
		router:    r,
		transport: transport,
		opts:      opts,
		waiters:   make(map[string]chan<- outcome),
	}, nil
}

// Start subscribes to the result feed and demuxes outcomes to in-flight
// aggregations until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.transport.Subscribe(ctx, core.SubscribeOptions{Destination: c.opts.ResultDestination})
	if err != nil {
		return fmt.Errorf("subscribe result feed: %w", err)
	}
	go c.demux(sub)
	return nil
}

func (c *Coordinator) demux(sub core.Subscription) {
	for d := range sub.Deliveries() {
		o, ok := decodeOutcome(d.Envelope)
		_ = d.Acker.Ack()
		if !ok {
			continue
		}
		c.mu.Lock()
		ch, waiting := c.waiters[o.taskID]
		c.mu.Unlock()
		if waiting {
			// Buffered per aggregation; a second terminal event for the
			// same task id would block, so drop it instead.
			select {
			case ch <- o:
			default:
			}
		}
	}
}

func decodeOutcome(env core.Envelope) (outcome, bool) {
	switch env.EventType {
	case core.EventTypeTaskCompleted:
		var completion core.TaskCompletion
		if err := env.DecodePayload(&completion); err != nil {
			return outcome{}, false
		}
		return outcome{
			taskID:    completion.TaskID,
			agentType: completion.AgentType,
			result:    completion.Result,
			streamID:  completion.StreamID,
		}, true
	case core.EventTypeTaskFailed:
		var failure core.TaskFailure
		if err := env.DecodePayload(&failure); err != nil {
			return outcome{}, false
		}
		return outcome{
			taskID:    failure.TaskID,
			agentType: failure.AgentType,
			failure:   failure.Reason,
			failed:    true,
		}, true
	default:
		return outcome{}, false
	}
}

// Handle implements the runtime handler contract: plan the task, delegate
// every step, await outcomes within budget and return the aggregate.
func (c *Coordinator) Handle(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
	snapshot := c.registry.Snapshot()
	steps, err := c.planner.Plan(ctx, task, snapshot.PlanningContext())
	if err != nil {
		return nil, core.Permanent(fmt.Errorf("plan: %w", err))
	}
	if len(steps) == 0 {
		return json.Marshal(Aggregate{CorrelationID: task.CorrelationID, Complete: true, Results: []SubResult{}})
	}

	delegations := make([]core.TaskDelegation, 0, len(steps))
	for _, step := range steps {
		child, err := task.Child(step.Capability, step.Payload)
		if err != nil {
			if errors.Is(err, core.ErrDepthExhausted) {
				return nil, core.Permanent(fmt.Errorf("step %s: %w", step.Capability, err))
			}
			return nil, err
		}
		delegations = append(delegations, child)
	}

	outcomes := make(chan outcome, len(delegations))
	c.register(delegations, outcomes)
	defer c.unregister(delegations)

	results := make([]SubResult, len(delegations))
	byTask := make(map[string]int, len(delegations))
	for i, d := range delegations {
		results[i] = SubResult{Capability: d.TargetCapability, TaskID: d.TaskID}
		byTask[d.TaskID] = i
		c.record(ctx, d, "DELEGATED", "")
	}

	pending := 0
	for i, rr := range c.router.Route(ctx, delegations) {
		if !rr.Routed {
			results[i].Degraded = DegradedUnroutable
			results[i].Error = rr.Reason
			continue
		}
		results[i].AgentType = rr.AgentType
		pending++
	}

	timeout := c.opts.AggregateTimeout
	if task.Budget.Timeout > 0 {
		timeout = task.Budget.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for pending > 0 {
		select {
		case <-ctx.Done():
			c.markPending(results, DegradedTimeout, "aggregation cancelled")
			return c.finish(task, results)
		case <-timer.C:
			c.opts.Logger.Warn("aggregation for %s timed out with %d outcomes pending", task.TaskID, pending)
			c.markPending(results, DegradedTimeout, fmt.Sprintf("no outcome within %s", timeout))
			return c.finish(task, results)
		case o := <-outcomes:
			i, ok := byTask[o.taskID]
			if !ok || results[i].done() {
				continue
			}
			if o.failed {
				results[i].Degraded = DegradedFailed
				results[i].Error = o.failure
			} else {
				results[i].OK = true
				results[i].Result = o.result
				results[i].StreamID = o.streamID
			}
			results[i].AgentType = o.agentType
			pending--
		}
	}
	return c.finish(task, results)
}

// done reports whether the sub-result already has a terminal outcome.
func (r SubResult) done() bool { return r.OK || r.Degraded != "" }

// markPending degrades every sub-result still awaiting an outcome.
func (c *Coordinator) markPending(results []SubResult, degraded, reason string) {
	for i := range results {
		if !results[i].done() {
			results[i].Degraded = degraded
			results[i].Error = reason
		}
	}
}

// finish builds the aggregate. A fully degraded aggregate is an error: with
// nothing usable, the caller's retry policy should decide what happens next.
func (c *Coordinator) finish(task core.TaskDelegation, results []SubResult) (json.RawMessage, error) {
	agg := Aggregate{CorrelationID: task.CorrelationID, Complete: true, Results: results}
	succeeded := 0
	timedOut := false
	for _, r := range results {
		if r.OK {
			succeeded++
		} else {
			agg.Complete = false
			if r.Degraded == DegradedTimeout {
				timedOut = true
			}
		}
	}
	if succeeded == 0 {
		err := fmt.Errorf("all %d delegations degraded for task %s", len(results), task.TaskID)
		if timedOut {
			return nil, core.Transient(err)
		}
		return nil, core.Permanent(err)
	}
	if !agg.Complete {
		c.opts.Logger.Warn("task %s aggregated partially: %d/%d steps succeeded", task.TaskID, succeeded, len(results))
	}
	return json.Marshal(agg)
}

func (c *Coordinator) register(delegations []core.TaskDelegation, ch chan<- outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range delegations {
		c.waiters[d.TaskID] = ch
	}
}

func (c *Coordinator) unregister(delegations []core.TaskDelegation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range delegations {
		delete(c.waiters, d.TaskID)
	}
}

func (c *Coordinator) record(ctx context.Context, d core.TaskDelegation, state, detail string) {
	if c.opts.Trajectory == nil {
		return
	}
	step := core.TrajectoryStep{
		ID:            core.NewID(),
		CorrelationID: d.CorrelationID,
		TaskID:        d.TaskID,
		Capability:    d.TargetCapability,
		State:         state,
		Detail:        detail,
		CreatedAt:     c.opts.Clock(),
	}
	if err := c.opts.Trajectory.Append(context.WithoutCancel(ctx), step); err != nil {
		c.opts.Logger.Warn("trajectory append failed: %v", err)
	}
}
