// Package agentbus provides a high-level façade over the event transport,
// agent directory, capability registry, router and coordinator, enabling
// rapid construction of event-driven multi-agent systems. Most applications
// interact with this package by:
//  1. Creating a Bus via New() (optionally overriding default in-memory infrastructure)
//  2. Serving one or more specialist agents (ServeAgent) and a coordinator (ServeCoordinator)
//  3. Submitting requests asynchronously (Submit) or synchronously (Ask)
//
// The façade wires the underlying components while keeping setup ergonomics
// concise. All defaults are safe for local development and testing;
// production deployments typically supply a broker-backed transport, a shared
// directory store and a structured logger.
package agentbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentbus/coordinator"
	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/directory"
	"github.com/hupe1980/agentbus/logging"
	"github.com/hupe1980/agentbus/planner"
	"github.com/hupe1980/agentbus/registry"
	"github.com/hupe1980/agentbus/router"
	"github.com/hupe1980/agentbus/runtime"
	"github.com/hupe1980/agentbus/transport"
)

// Options configures the Bus instance.
type Options struct {
	// Transport carries events between agents. Defaults to the in-process
	// transport; production deployments supply the rabbitmq implementation.
	Transport core.Transport

	// DirectoryStore persists agent descriptors. Defaults to in-memory;
	// multi-process deployments supply the redis implementation.
	DirectoryStore core.DirectoryStore

	// Trajectory, when set, records per-task lifecycle steps.
	Trajectory core.TrajectoryStore

	// HeartbeatInterval is the directory heartbeat cadence shared by every
	// shell served from this bus.
	HeartbeatInterval time.Duration

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Bus is the high-level façade aggregating the transport, directory,
// registry, router and result feed.
type Bus struct {
	opts      Options
	transport core.Transport
	directory *directory.Directory
	registry  *registry.Registry
	router    *router.Router

	mu       sync.Mutex
	started  bool
	lifetime context.Context
	cancel   context.CancelFunc
	shells   []*runtime.Shell
	wg       sync.WaitGroup
}

// New creates a new Bus with optional overrides. Any unset piece of
// infrastructure is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		Transport:         transport.NewInMemoryTransport(),
		DirectoryStore:    directory.NewInMemoryStore(),
		HeartbeatInterval: 30 * time.Second,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	dir := directory.New(opts.DirectoryStore, func(o *directory.Options) {
		o.HeartbeatInterval = opts.HeartbeatInterval
		o.Logger = opts.Logger
	})
	reg := registry.New(dir, func(o *registry.Options) {
		o.Logger = opts.Logger
	})
	rt := router.New(reg, opts.Transport, func(o *router.Options) {
		o.Logger = opts.Logger
	})

	return &Bus{
		opts:      opts,
		transport: opts.Transport,
		directory: dir,
		registry:  reg,
		router:    rt,
	}
}

// Transport returns the underlying transport.
func (b *Bus) Transport() core.Transport { return b.transport }

// Directory returns the agent directory.
func (b *Bus) Directory() *directory.Directory { return b.directory }

// Registry returns the capability registry.
func (b *Bus) Registry() *registry.Registry { return b.registry }

// Router returns the delegation router.
func (b *Bus) Router() *router.Router { return b.router }

// Start brings up the registry synchronization and the directory eviction
// watchdog. It must be called once before serving agents.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bus already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.lifetime = runCtx
	b.cancel = cancel
	b.started = true

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		_ = b.registry.Run(runCtx)
	}()
	go func() {
		defer b.wg.Done()
		_ = b.directory.Run(runCtx)
	}()
	return nil
}

// ServeAgent registers the descriptor and hosts the handler in a runtime
// shell until the bus shuts down.
func (b *Bus) ServeAgent(desc core.AgentDescriptor, handler runtime.Handler, optFns ...func(o *runtime.Options)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return fmt.Errorf("bus not started")
	}

	shellOpts := append([]func(o *runtime.Options){func(o *runtime.Options) {
		o.HeartbeatInterval = b.opts.HeartbeatInterval
		o.Logger = b.opts.Logger
		o.Trajectory = b.opts.Trajectory
	}}, optFns...)

	shell, err := runtime.NewShell(desc, handler, b.transport, b.directory, shellOpts...)
	if err != nil {
		return err
	}
	b.shells = append(b.shells, shell)

	runCtx := b.runContext()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := shell.Run(runCtx); err != nil && runCtx.Err() == nil {
			b.opts.Logger.Error("agent %s terminated: %v", desc.AgentType, err)
		}
	}()
	return nil
}

// ServeCoordinator creates a coordinator over the given planner and hosts it
// as an agent under the descriptor. The descriptor's capabilities are the
// coordinator's inbound surface.
func (b *Bus) ServeCoordinator(desc core.AgentDescriptor, p planner.Planner, optFns ...func(o *coordinator.Options)) error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return fmt.Errorf("bus not started")
	}

	coordOpts := append([]func(o *coordinator.Options){func(o *coordinator.Options) {
		o.Logger = b.opts.Logger
		o.Trajectory = b.opts.Trajectory
	}}, optFns...)

	c, err := coordinator.New(p, b.registry, b.router, b.transport, coordOpts...)
	if err != nil {
		return err
	}
	if err := c.Start(b.runContext()); err != nil {
		return err
	}
	return b.ServeAgent(desc, c)
}

// Submit routes a delegation to the named capability and returns immediately.
// The outcome arrives as a task.completed or task.failed event on the result
// feed; use Ask for the synchronous form.
func (b *Bus) Submit(ctx context.Context, capability string, payload json.RawMessage) (core.TaskDelegation, error) {
	task := core.NewTaskDelegation(capability, payload)
	task.CorrelationID = core.NewID()

	res := b.router.RouteOne(ctx, task)
	if !res.Routed {
		return core.TaskDelegation{}, fmt.Errorf("submit %s: %s", capability, res.Reason)
	}
	return task, nil
}

// Ask is a synchronous helper: it submits the delegation and waits for its
// terminal event within the context's lifetime.
func (b *Bus) Ask(ctx context.Context, capability string, payload json.RawMessage) (json.RawMessage, error) {
	sub, err := b.transport.Subscribe(ctx, core.SubscribeOptions{Destination: runtime.DefaultResultDestination})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	task, err := b.Submit(ctx, capability, payload)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-sub.Deliveries():
			if !ok {
				return nil, fmt.Errorf("result feed closed while awaiting task %s", task.TaskID)
			}
			env := d.Envelope
			_ = d.Acker.Ack()
			switch env.EventType {
			case core.EventTypeTaskCompleted:
				var completion core.TaskCompletion
				if err := env.DecodePayload(&completion); err != nil || completion.TaskID != task.TaskID {
					continue
				}
				return completion.Result, nil
			case core.EventTypeTaskFailed:
				var failure core.TaskFailure
				if err := env.DecodePayload(&failure); err != nil || failure.TaskID != task.TaskID {
					continue
				}
				return nil, fmt.Errorf("task %s failed: %s", task.TaskID, failure.Reason)
			}
		}
	}
}

// Shutdown stops every hosted shell, the registry synchronization and the
// eviction watchdog, waiting for drains to complete.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runContext returns the lifetime context of the started bus. lifetime is
// written once in Start and only read afterwards.
func (b *Bus) runContext() context.Context {
	if b.lifetime == nil {
		return context.Background()
	}
	return b.lifetime
}
