package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/directory"
	"github.com/hupe1980/agentbus/logging"
	"github.com/hupe1980/agentbus/stream"
	"github.com/hupe1980/agentbus/telemetry"
)

// DefaultResultDestination carries task.completed and task.failed events.
const DefaultResultDestination = "agentbus.results"

// streamChunkSize is the chunk granularity for streamed result bodies.
const streamChunkSize = 32 * 1024

// Handler executes one delegated task and returns its result body.
//
// Errors wrapped with core.Transient are retried with exponential backoff;
// everything else is treated as permanent and dead-lettered. Handlers that
// delegate further use task.Child to derive properly depth-limited
// sub-delegations.
type Handler interface {
	Handle(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
	return f(ctx, task)
}

// Reflector revises a draft result before it is published. Reflect returns
// the revised draft and whether it now meets the reflector's acceptance
// criteria; the shell keeps revising until convergence or until the round
// budget is spent. A reflection failure is logged and the current draft
// ships; reflection never turns a success into a failure.
type Reflector interface {
	Reflect(ctx context.Context, task core.TaskDelegation, draft json.RawMessage) (revised json.RawMessage, converged bool, err error)
}

// Options configures a Shell.
type Options struct {
	// HeartbeatInterval is the directory heartbeat cadence.
	HeartbeatInterval time.Duration
	// DedupTTL is how long completed task ids are remembered.
	DedupTTL time.Duration
	// MaxAttempts bounds handler executions per delivery, first try included.
	MaxAttempts int
	// RetryInitialInterval and RetryMaxInterval shape the backoff curve.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// DrainGrace bounds how long shutdown waits for in-flight tasks.
	DrainGrace time.Duration
	// ResultDestination receives completion and failure events.
	ResultDestination string
	// StreamDestination receives chunk-framed result bodies.
	StreamDestination string
	// InlineResultLimit is the largest result body inlined into the
	// completion event; larger bodies are chunk-streamed instead.
	InlineResultLimit int
	// DeadLetterDestination receives permanently failed delegations.
	DeadLetterDestination string
	// Reflector, when set, revises results before publish.
	Reflector Reflector
	// ReflectionMaxRounds bounds revision rounds per task. A round that does
	// not converge re-enters processing until the budget is spent.
	ReflectionMaxRounds int
	// Trajectory, when set, records per-task lifecycle steps.
	Trajectory core.TrajectoryStore
	// Logger receives shell lifecycle and task events.
	Logger logging.Logger
	// Tracer spans task executions.
	Tracer trace.Tracer
	// Clock supplies timestamps; overridable in tests.
	Clock func() time.Time
}

// Shell hosts a Handler as a bus agent. Create with NewShell, start with Run;
// Run blocks until the context is cancelled and the drain completes.
type Shell struct {
	desc      core.AgentDescriptor
	handler   Handler
	transport core.Transport
	dir       *directory.Directory
	emitter   *stream.Emitter
	opts      Options

	machine *Machine
	dedup   *dedupCache

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
	handle *directory.Handle
}

// NewShell validates the descriptor and assembles a shell around the handler.
func NewShell(desc core.AgentDescriptor, handler Handler, transport core.Transport, dir *directory.Directory, optFns ...func(o *Options)) (*Shell, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, core.NewValidationError("handler", "must not be nil")
	}

	opts := Options{
		HeartbeatInterval:     30 * time.Second,
		DedupTTL:              10 * time.Minute,
		MaxAttempts:           3,
		RetryInitialInterval:  time.Second,
		RetryMaxInterval:      30 * time.Second,
		DrainGrace:            30 * time.Second,
		ResultDestination:     DefaultResultDestination,
		StreamDestination:     "agentbus.streams",
		InlineResultLimit:     16 * 1024,
		DeadLetterDestination: core.DefaultDeadLetterDestination,
		ReflectionMaxRounds:   2,
		Logger:                logging.NoOpLogger{},
		Tracer:                telemetry.Tracer("agentbus/runtime"),
		Clock:                 time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	emitter := stream.NewEmitter(transport, func(o *stream.EmitterOptions) {
		o.Destination = opts.StreamDestination
		o.Logger = opts.Logger
		o.Clock = opts.Clock
	})

	return &Shell{
		desc:      desc,
		handler:   handler,
		transport: transport,
		dir:       dir,
		emitter:   emitter,
		opts:      opts,
		machine:   NewMachine(),
		dedup:     newDedupCache(opts.DedupTTL, opts.Clock),
	}, nil
}

// State returns the shell's current lifecycle state.
func (s *Shell) State() State { return s.machine.State() }

// Run registers the agent, consumes its queue group and processes tasks until
// ctx is cancelled, then drains and deregisters.
func (s *Shell) Run(ctx context.Context) error {
	handle, err := s.dir.Register(ctx, s.desc)
	if err != nil {
		_ = s.machine.To(StateError)
		_ = s.machine.To(StateStopped)
		return fmt.Errorf("register %s: %w", s.desc.AgentType, err)
	}
	s.handle = handle

	sub, err := s.transport.Subscribe(ctx, core.SubscribeOptions{
		Destination: s.desc.RoutingKey,
		QueueGroup:  s.desc.QueueGroup,
		Prefetch:    s.desc.MaxConcurrentTasks,
	})
	if err != nil {
		_ = s.dir.Deregister(context.WithoutCancel(ctx), handle)
		_ = s.machine.To(StateError)
		_ = s.machine.To(StateStopped)
		return fmt.Errorf("subscribe %s: %w", s.desc.RoutingKey, err)
	}

	if err := s.machine.To(StateReady); err != nil {
		return err
	}
	if err := s.dir.Heartbeat(ctx, handle); err != nil {
		s.opts.Logger.Warn("initial heartbeat failed: %v", err)
	}
	s.opts.Logger.Info("agent %s ready on %s (group %s)", s.desc.AgentType, s.desc.RoutingKey, s.desc.QueueGroup)

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx, handle)

	// In-flight tasks must survive the shutdown signal; the drain cancels
	// them only once the grace period is spent.
	tasksCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	for {
		select {
		case <-ctx.Done():
			return s.drain(sub, cancelTasks)
		case d, ok := <-sub.Deliveries():
			if !ok {
				return s.drain(sub, cancelTasks)
			}
			s.wg.Add(1)
			go s.process(tasksCtx, d)
		}
	}
}

func (s *Shell) heartbeatLoop(ctx context.Context, handle *directory.Handle) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			handle.ReportLoad(s.active)
			s.mu.Unlock()
			if err := s.dir.Heartbeat(ctx, handle); err != nil {
				s.opts.Logger.Warn("heartbeat failed: %v", err)
			}
		}
	}
}

// drain finishes in-flight work within the grace period, cancelling whatever
// remains once it elapses, then deregisters.
func (s *Shell) drain(sub core.Subscription, cancelTasks context.CancelFunc) error {
	_ = s.machine.ToIfCurrent(StateReady, StateDraining)
	_ = s.machine.ToIfCurrent(StateProcessing, StateDraining)
	s.opts.Logger.Info("agent %s draining", s.desc.AgentType)

	bg := context.Background()
	if s.handle != nil {
		if err := s.dir.Drain(bg, s.handle); err != nil && !errors.Is(err, core.ErrNotRegistered) {
			s.opts.Logger.Warn("drain status update failed: %v", err)
		}
	}
	_ = sub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.DrainGrace):
		s.opts.Logger.Warn("drain grace of %s elapsed; cancelling tasks still in flight", s.opts.DrainGrace)
		cancelTasks()
		<-done
	}

	if s.handle != nil {
		if err := s.dir.Deregister(bg, s.handle); err != nil {
			s.opts.Logger.Warn("deregister failed: %v", err)
		}
	}
	err := s.machine.To(StateStopped)
	s.opts.Logger.Info("agent %s stopped", s.desc.AgentType)
	return err
}

func (s *Shell) process(ctx context.Context, d core.Delivery) {
	defer s.wg.Done()

	var task core.TaskDelegation
	if err := d.Envelope.DecodePayload(&task); err != nil {
		// Malformed delegations can never succeed; park them for inspection.
		s.opts.Logger.Error("undecodable delegation %s: %v", d.Envelope.EventID, err)
		dead := d.Envelope.WithMetadata("deadletter_source", s.desc.RoutingKey)
		_ = s.transport.Publish(context.WithoutCancel(ctx), s.opts.DeadLetterDestination, dead)
		_ = d.Acker.Ack()
		return
	}

	if s.dedup.Contains(task.TaskID) {
		s.opts.Logger.Debug("suppressing duplicate task %s", task.TaskID)
		_ = d.Acker.Ack()
		return
	}

	s.beginTask()
	defer s.endTask()
	s.record(ctx, task, "PROCESSING", "")

	taskCtx := telemetry.ContextFrom(ctx, d.Envelope)
	var cancel context.CancelFunc
	if task.Budget.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(taskCtx, task.Budget.Timeout)
		defer cancel()
	}
	taskCtx, span := s.opts.Tracer.Start(taskCtx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("task.capability", task.TargetCapability),
		attribute.String("agent.type", s.desc.AgentType),
	))
	defer span.End()

	result, err := s.execute(taskCtx, task)
	if err != nil {
		s.fail(taskCtx, d, task, err)
		return
	}

	if s.opts.Reflector != nil {
		result = s.reflect(taskCtx, task, result)
	}
	s.complete(taskCtx, d, task, result)
}

// execute runs the handler with exponential backoff on transient failures.
func (s *Shell) execute(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryInitialInterval
	policy.MaxInterval = s.opts.RetryMaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryWithData(func() (json.RawMessage, error) {
		s.machine.ToIfCurrent(StateRetry, StateProcessing)
		attempt++

		result, err := s.handler.Handle(ctx, task)
		if err == nil {
			return result, nil
		}
		if !core.IsTransient(err) || attempt >= s.opts.MaxAttempts {
			return nil, backoff.Permanent(err)
		}

		s.machine.ToIfCurrent(StateProcessing, StateRetry)
		s.record(ctx, task, "RETRY", err.Error())
		if bl, ok := s.opts.Logger.(*logging.BusLogger); ok {
			bl.LogRetry(task.TaskID, attempt, nextInterval(s.opts, attempt), err)
		} else {
			s.opts.Logger.Warn("task %s attempt %d failed transiently: %v", task.TaskID, attempt, err)
		}
		return nil, err
	}, backoff.WithContext(policy, ctx))
}

// nextInterval estimates the upcoming backoff delay for logging.
func nextInterval(opts Options, attempt int) time.Duration {
	d := opts.RetryInitialInterval
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= opts.RetryMaxInterval {
			return opts.RetryMaxInterval
		}
	}
	return d
}

// reflect runs the revision loop: the draft is revised until the reflector
// reports convergence or the round budget is spent. Any reflection error
// ships the current draft.
func (s *Shell) reflect(ctx context.Context, task core.TaskDelegation, draft json.RawMessage) json.RawMessage {
	for round := 1; round <= s.opts.ReflectionMaxRounds; round++ {
		s.machine.ToIfCurrent(StateProcessing, StateReflecting)
		s.record(ctx, task, "REFLECTING", fmt.Sprintf("round %d", round))

		revised, converged, err := s.opts.Reflector.Reflect(ctx, task, draft)
		s.machine.ToIfCurrent(StateReflecting, StateProcessing)
		if err != nil {
			s.opts.Logger.Warn("reflection round %d for task %s failed, shipping current draft: %v", round, task.TaskID, err)
			return draft
		}
		draft = revised
		if converged {
			return draft
		}
	}
	s.opts.Logger.Debug("task %s shipped unconverged after %d reflection rounds", task.TaskID, s.opts.ReflectionMaxRounds)
	return draft
}

// complete publishes the result, streaming bodies above the inline limit.
func (s *Shell) complete(ctx context.Context, d core.Delivery, task core.TaskDelegation, result json.RawMessage) {
	pubCtx := context.WithoutCancel(ctx)
	completion := core.TaskCompletion{
		TaskID:        task.TaskID,
		CorrelationID: task.CorrelationID,
		AgentType:     s.desc.AgentType,
	}

	if len(result) > s.opts.InlineResultLimit {
		streamID, err := s.streamResult(pubCtx, task, result)
		if err != nil {
			s.opts.Logger.Error("streaming result for task %s failed: %v", task.TaskID, err)
			_ = d.Acker.Nack()
			return
		}
		completion.StreamID = streamID
	} else {
		completion.Result = result
	}

	env, err := core.NewEnvelope(core.EventTypeTaskCompleted, completion)
	if err != nil {
		s.opts.Logger.Error("encode completion for task %s: %v", task.TaskID, err)
		_ = d.Acker.Nack()
		return
	}
	env.CorrelationID = task.CorrelationID
	env.TraceID = task.TraceID
	env = telemetry.Stamp(pubCtx, env)

	if err := s.transport.Publish(pubCtx, s.opts.ResultDestination, env); err != nil {
		s.opts.Logger.Error("publish completion for task %s: %v", task.TaskID, err)
		_ = d.Acker.Nack()
		return
	}
	s.record(ctx, task, "COMPLETED", "")
	// Only a settled task suppresses its redeliveries; a nacked delivery
	// above stays eligible for re-execution.
	s.dedup.Mark(task.TaskID)
	_ = d.Acker.Ack()
}

// streamResult emits the result body as a chunk stream and returns its id.
func (s *Shell) streamResult(ctx context.Context, task core.TaskDelegation, result json.RawMessage) (string, error) {
	st, err := s.emitter.Open(ctx, core.NewID(), func(o *stream.StreamOptions) {
		o.Modality = "json"
		o.TraceID = task.TraceID
	})
	if err != nil {
		return "", err
	}
	for off := 0; off < len(result); off += streamChunkSize {
		end := off + streamChunkSize
		if end > len(result) {
			end = len(result)
		}
		if err := st.Push(ctx, result[off:end]); err != nil {
			_ = st.CloseTruncated(ctx)
			return "", err
		}
	}
	if err := st.Close(ctx); err != nil {
		return "", err
	}
	return st.MessageID(), nil
}

// fail publishes the terminal failure and settles the delivery. Permanent
// failures (including budget timeouts) are dead-lettered immediately; a
// transiently exhausted task is nacked so transport redelivery policy applies.
func (s *Shell) fail(ctx context.Context, d core.Delivery, task core.TaskDelegation, taskErr error) {
	pubCtx := context.WithoutCancel(ctx)
	timedOut := errors.Is(taskErr, context.DeadlineExceeded)
	permanent := timedOut || !core.IsTransient(taskErr)

	s.machine.ToIfCurrent(StateProcessing, StateError)
	defer s.machine.ToIfCurrent(StateError, StateReady)

	reason := taskErr.Error()
	if timedOut {
		reason = fmt.Sprintf("budget timeout %s exceeded", task.Budget.Timeout)
	}
	s.record(ctx, task, "FAILED", reason)

	failure := core.TaskFailure{
		TaskID:        task.TaskID,
		CorrelationID: task.CorrelationID,
		AgentType:     s.desc.AgentType,
		Reason:        reason,
		Permanent:     permanent,
	}
	env, err := core.NewEnvelope(core.EventTypeTaskFailed, failure)
	if err == nil {
		env.CorrelationID = task.CorrelationID
		env.TraceID = task.TraceID
		env = telemetry.Stamp(pubCtx, env)
		if pubErr := s.transport.Publish(pubCtx, s.opts.ResultDestination, env); pubErr != nil {
			s.opts.Logger.Error("publish failure for task %s: %v", task.TaskID, pubErr)
		}
	}
	s.opts.Logger.Warn("task %s failed (%s): %s", task.TaskID, s.desc.AgentType, reason)

	if permanent {
		dead := d.Envelope.WithMetadata("deadletter_source", s.desc.RoutingKey)
		if pubErr := s.transport.Publish(pubCtx, s.opts.DeadLetterDestination, dead); pubErr != nil {
			s.opts.Logger.Error("dead-letter publish for task %s: %v", task.TaskID, pubErr)
		}
		s.dedup.Mark(task.TaskID)
		_ = d.Acker.Ack()
		return
	}
	_ = d.Acker.Nack()
}

func (s *Shell) beginTask() {
	s.mu.Lock()
	s.active++
	first := s.active == 1
	s.mu.Unlock()
	if first {
		s.machine.ToIfCurrent(StateReady, StateProcessing)
	}
}

func (s *Shell) endTask() {
	s.mu.Lock()
	s.active--
	idle := s.active == 0
	s.mu.Unlock()
	if idle {
		s.machine.ToIfCurrent(StateProcessing, StateReady)
	}
}

// record appends a trajectory step when a store is configured.
func (s *Shell) record(ctx context.Context, task core.TaskDelegation, state, detail string) {
	if s.opts.Trajectory == nil {
		return
	}
	step := core.TrajectoryStep{
		ID:            core.NewID(),
		CorrelationID: task.CorrelationID,
		TaskID:        task.TaskID,
		AgentType:     s.desc.AgentType,
		Capability:    task.TargetCapability,
		State:         state,
		Detail:        detail,
		CreatedAt:     s.opts.Clock(),
	}
	if err := s.opts.Trajectory.Append(context.WithoutCancel(ctx), step); err != nil {
		s.opts.Logger.Warn("trajectory append failed: %v", err)
	}
}
