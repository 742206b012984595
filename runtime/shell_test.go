package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/directory"
	"github.com/hupe1980/agentbus/stream"
	"github.com/hupe1980/agentbus/transport"
)

func shellDescriptor(agentType string) core.AgentDescriptor {
	return core.AgentDescriptor{
		AgentType: agentType,
		Version:   "1.0.0",
		Capabilities: []core.Capability{
			{Name: agentType + ".run", Input: core.SchemaDescriptor{Kind: core.SchemaAny}, Output: core.SchemaDescriptor{Kind: core.SchemaAny}},
		},
		RoutingKey:         "agents." + agentType + ".tasks",
		QueueGroup:         agentType,
		MaxConcurrentTasks: 1,
	}
}

type shellFixture struct {
	tr      *transport.InMemoryTransport
	dir     *directory.Directory
	shell   *Shell
	results core.Subscription
	cancel  context.CancelFunc
	done    chan error
}

func startShell(t *testing.T, agentType string, handler Handler, optFns ...func(o *Options)) *shellFixture {
	t.Helper()
	tr := transport.NewInMemoryTransport()
	dir := directory.New(directory.NewInMemoryStore())

	results, err := tr.Subscribe(context.Background(), core.SubscribeOptions{Destination: DefaultResultDestination})
	require.NoError(t, err)

	opts := append([]func(o *Options){func(o *Options) {
		o.RetryInitialInterval = time.Millisecond
		o.RetryMaxInterval = 5 * time.Millisecond
		o.DrainGrace = 2 * time.Second
	}}, optFns...)
	shell, err := NewShell(shellDescriptor(agentType), handler, tr, dir, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- shell.Run(ctx) }()

	require.Eventually(t, func() bool { return shell.State() != StateInitializing }, 2*time.Second, 5*time.Millisecond)

	f := &shellFixture{tr: tr, dir: dir, shell: shell, results: results, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("shell did not stop")
		}
		tr.Close()
	})
	return f
}

func (f *shellFixture) delegate(t *testing.T, d core.TaskDelegation) {
	t.Helper()
	env, err := d.Envelope()
	require.NoError(t, err)
	require.NoError(t, f.tr.Publish(context.Background(), "agents."+f.shell.desc.AgentType+".tasks", env))
}

func (f *shellFixture) nextResult(t *testing.T) core.Envelope {
	t.Helper()
	select {
	case d, ok := <-f.results.Deliveries():
		require.True(t, ok)
		require.NoError(t, d.Acker.Ack())
		return d.Envelope
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a result event")
		return core.Envelope{}
	}
}

func TestShell_CompletesTask(t *testing.T) {
	f := startShell(t, "echo", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		return task.Payload, nil
	}))

	d := core.NewTaskDelegation("echo.run", json.RawMessage(`{"say":"hi"}`))
	d.CorrelationID = core.NewID()
	f.delegate(t, d)

	env := f.nextResult(t)
	assert.Equal(t, core.EventTypeTaskCompleted, env.EventType)
	assert.Equal(t, d.CorrelationID, env.CorrelationID)

	var completion core.TaskCompletion
	require.NoError(t, env.DecodePayload(&completion))
	assert.Equal(t, d.TaskID, completion.TaskID)
	assert.Equal(t, "echo", completion.AgentType)
	assert.JSONEq(t, `{"say":"hi"}`, string(completion.Result))
}

func TestShell_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	f := startShell(t, "flaky", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, core.Transient(errors.New("upstream hiccup"))
		}
		return json.RawMessage(`"ok"`), nil
	}))

	f.delegate(t, core.NewTaskDelegation("flaky.run", nil))

	env := f.nextResult(t)
	assert.Equal(t, core.EventTypeTaskCompleted, env.EventType)
	assert.Equal(t, int32(3), calls.Load())
}

func TestShell_TransientRetriesExhaustedFail(t *testing.T) {
	var calls atomic.Int32
	f := startShell(t, "broken", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		calls.Add(1)
		return nil, core.Transient(errors.New("still down"))
	}))

	f.delegate(t, core.NewTaskDelegation("broken.run", nil))

	env := f.nextResult(t)
	assert.Equal(t, core.EventTypeTaskFailed, env.EventType)
	var failure core.TaskFailure
	require.NoError(t, env.DecodePayload(&failure))
	assert.False(t, failure.Permanent)

	// Five transport deliveries with three backoff attempts each; the handler
	// stays eligible until the transport dead-letters the delegation.
	require.Eventually(t, func() bool { return calls.Load() == 15 },
		3*time.Second, 5*time.Millisecond, "three attempts per delivery across five deliveries")
}

func TestShell_PermanentFailureDeadLetters(t *testing.T) {
	tr := transport.NewInMemoryTransport()
	dir := directory.New(directory.NewInMemoryStore())

	dlq, err := tr.Subscribe(context.Background(), core.SubscribeOptions{Destination: core.DefaultDeadLetterDestination})
	require.NoError(t, err)
	results, err := tr.Subscribe(context.Background(), core.SubscribeOptions{Destination: DefaultResultDestination})
	require.NoError(t, err)

	var calls atomic.Int32
	shell, err := NewShell(shellDescriptor("strict"), HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		calls.Add(1)
		return nil, core.Permanent(errors.New("schema violation"))
	}), tr, dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = shell.Run(ctx) }()
	require.Eventually(t, func() bool { return shell.State() == StateReady }, 2*time.Second, 5*time.Millisecond)

	d := core.NewTaskDelegation("strict.run", nil)
	env, err := d.Envelope()
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "agents.strict.tasks", env))

	select {
	case res := <-results.Deliveries():
		var failure core.TaskFailure
		require.NoError(t, res.Envelope.DecodePayload(&failure))
		assert.True(t, failure.Permanent)
		require.NoError(t, res.Acker.Ack())
	case <-time.After(3 * time.Second):
		t.Fatal("no failure event")
	}
	select {
	case dead := <-dlq.Deliveries():
		assert.Equal(t, env.EventID, dead.Envelope.EventID)
		assert.Equal(t, "agents.strict.tasks", dead.Envelope.Metadata["deadletter_source"])
		require.NoError(t, dead.Acker.Ack())
	case <-time.After(3 * time.Second):
		t.Fatal("no dead-letter entry")
	}
	assert.Equal(t, int32(1), calls.Load(), "permanent failures are not retried")
}

func TestShell_SuppressesDuplicateTaskIDs(t *testing.T) {
	var calls atomic.Int32
	f := startShell(t, "once", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`"done"`), nil
	}))

	d := core.NewTaskDelegation("once.run", nil)
	f.delegate(t, d)
	_ = f.nextResult(t)

	// Redelivery of the same task id is acknowledged without execution.
	f.delegate(t, d)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestShell_NackedTaskStaysEligibleForRedelivery(t *testing.T) {
	var calls atomic.Int32
	f := startShell(t, "wobbly", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		calls.Add(1)
		return nil, core.Transient(errors.New("still warming up"))
	}), func(o *Options) {
		o.MaxAttempts = 1
	})

	f.delegate(t, core.NewTaskDelegation("wobbly.run", nil))

	// Each exhausted delivery is nacked; the transport redelivers up to its
	// MaxDeliveries of five, and every redelivery re-executes the handler and
	// publishes its own terminal failure.
	for i := 0; i < 5; i++ {
		env := f.nextResult(t)
		assert.Equal(t, core.EventTypeTaskFailed, env.EventType)
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestShell_DrainLetsInFlightTasksFinish(t *testing.T) {
	started := make(chan struct{})
	f := startShell(t, "steady", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return json.RawMessage(`"finished"`), nil
		}
	}))

	f.delegate(t, core.NewTaskDelegation("steady.run", nil))
	<-started

	// Shutdown mid-task: the handler keeps its context until the drain grace
	// expires, so the result still ships.
	f.cancel()

	env := f.nextResult(t)
	assert.Equal(t, core.EventTypeTaskCompleted, env.EventType)
	var completion core.TaskCompletion
	require.NoError(t, env.DecodePayload(&completion))
	assert.Equal(t, `"finished"`, string(completion.Result))
}

func TestShell_DrainGraceExpiryCancelsStuckTasks(t *testing.T) {
	started := make(chan struct{})
	f := startShell(t, "stuck", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), func(o *Options) {
		o.DrainGrace = 50 * time.Millisecond
	})

	f.delegate(t, core.NewTaskDelegation("stuck.run", nil))
	<-started
	f.cancel()

	require.Eventually(t, func() bool { return f.shell.State() == StateStopped },
		5*time.Second, 5*time.Millisecond, "shell must stop once the drain grace expires")
}

func TestShell_BudgetTimeoutFailsPermanently(t *testing.T) {
	f := startShell(t, "slow", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`"too late"`), nil
		}
	}))

	d := core.NewTaskDelegation("slow.run", nil)
	d.Budget.Timeout = 50 * time.Millisecond
	f.delegate(t, d)

	env := f.nextResult(t)
	assert.Equal(t, core.EventTypeTaskFailed, env.EventType)
	var failure core.TaskFailure
	require.NoError(t, env.DecodePayload(&failure))
	assert.True(t, failure.Permanent)
	assert.Contains(t, failure.Reason, "budget timeout")
}

func TestShell_LargeResultIsStreamed(t *testing.T) {
	big, err := json.Marshal(string(bytes.Repeat([]byte("x"), 64*1024)))
	require.NoError(t, err)

	tr := transport.NewInMemoryTransport()
	dir := directory.New(directory.NewInMemoryStore())
	streams, err := tr.Subscribe(context.Background(), core.SubscribeOptions{Destination: "agentbus.streams"})
	require.NoError(t, err)
	results, err := tr.Subscribe(context.Background(), core.SubscribeOptions{Destination: DefaultResultDestination})
	require.NoError(t, err)

	shell, err := NewShell(shellDescriptor("verbose"), HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		return big, nil
	}), tr, dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = shell.Run(ctx) }()
	require.Eventually(t, func() bool { return shell.State() == StateReady }, 2*time.Second, 5*time.Millisecond)

	d := core.NewTaskDelegation("verbose.run", nil)
	env, err := d.Envelope()
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "agents.verbose.tasks", env))

	var completion core.TaskCompletion
	select {
	case res := <-results.Deliveries():
		require.NoError(t, res.Envelope.DecodePayload(&completion))
		require.NoError(t, res.Acker.Ack())
	case <-time.After(3 * time.Second):
		t.Fatal("no completion event")
	}
	assert.Empty(t, completion.Result, "large bodies are not inlined")
	require.NotEmpty(t, completion.StreamID)

	asm := stream.NewAssembler()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case sd := <-streams.Deliveries():
			require.NoError(t, sd.Acker.Ack())
			msg, err := asm.FeedEnvelope(sd.Envelope)
			require.NoError(t, err)
			if msg != nil {
				assert.Equal(t, completion.StreamID, msg.MessageID)
				assert.Equal(t, big, msg.Payload)
				assert.False(t, msg.Truncated)
				return
			}
		case <-deadline:
			t.Fatal("stream never completed")
		}
	}
}

func TestShell_ReflectorRevisesResult(t *testing.T) {
	f := startShell(t, "thoughtful", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		return json.RawMessage(`"draft"`), nil
	}), func(o *Options) {
		o.Reflector = reflectorFunc(func(ctx context.Context, task core.TaskDelegation, draft json.RawMessage) (json.RawMessage, bool, error) {
			return json.RawMessage(`"revised"`), true, nil
		})
	})

	f.delegate(t, core.NewTaskDelegation("thoughtful.run", nil))

	env := f.nextResult(t)
	var completion core.TaskCompletion
	require.NoError(t, env.DecodePayload(&completion))
	assert.Equal(t, `"revised"`, string(completion.Result))
}

func TestShell_ReflectionLoopsUntilConvergence(t *testing.T) {
	var rounds atomic.Int32
	f := startShell(t, "iterative", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		return json.RawMessage(`0`), nil
	}), func(o *Options) {
		o.ReflectionMaxRounds = 5
		o.Reflector = reflectorFunc(func(ctx context.Context, task core.TaskDelegation, draft json.RawMessage) (json.RawMessage, bool, error) {
			n := rounds.Add(1)
			return json.RawMessage(fmt.Sprintf("%d", n)), n >= 2, nil
		})
	})

	f.delegate(t, core.NewTaskDelegation("iterative.run", nil))

	env := f.nextResult(t)
	var completion core.TaskCompletion
	require.NoError(t, env.DecodePayload(&completion))
	assert.Equal(t, `2`, string(completion.Result))
	assert.Equal(t, int32(2), rounds.Load(), "convergence ends the loop before the round budget")
}

func TestShell_ReflectionRoundBudgetShipsUnconverged(t *testing.T) {
	var rounds atomic.Int32
	f := startShell(t, "restless", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		return json.RawMessage(`0`), nil
	}), func(o *Options) {
		o.ReflectionMaxRounds = 3
		o.Reflector = reflectorFunc(func(ctx context.Context, task core.TaskDelegation, draft json.RawMessage) (json.RawMessage, bool, error) {
			// Never converges.
			return json.RawMessage(fmt.Sprintf("%d", rounds.Add(1))), false, nil
		})
	})

	f.delegate(t, core.NewTaskDelegation("restless.run", nil))

	env := f.nextResult(t)
	assert.Equal(t, core.EventTypeTaskCompleted, env.EventType)
	var completion core.TaskCompletion
	require.NoError(t, env.DecodePayload(&completion))
	assert.Equal(t, `3`, string(completion.Result), "the last revision ships once the budget is spent")
	assert.Equal(t, int32(3), rounds.Load())
}

type reflectorFunc func(ctx context.Context, task core.TaskDelegation, draft json.RawMessage) (json.RawMessage, bool, error)

func (f reflectorFunc) Reflect(ctx context.Context, task core.TaskDelegation, draft json.RawMessage) (json.RawMessage, bool, error) {
	return f(ctx, task, draft)
}

func TestShell_DrainDeregistersAndStops(t *testing.T) {
	tr := transport.NewInMemoryTransport()
	defer tr.Close()
	dir := directory.New(directory.NewInMemoryStore())

	shell, err := NewShell(shellDescriptor("leaver"), HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		return nil, nil
	}), tr, dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- shell.Run(ctx) }()
	require.Eventually(t, func() bool { return shell.State() == StateReady }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not stop")
	}
	assert.Equal(t, StateStopped, shell.State())

	_, err = dir.Get(context.Background(), "leaver")
	assert.ErrorIs(t, err, core.ErrNotRegistered)

	descs, err := dir.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, descs)
}

func TestShell_TrajectoryRecordsLifecycle(t *testing.T) {
	store := newRecordingTrajectory()
	f := startShell(t, "audited", HandlerFunc(func(ctx context.Context, task core.TaskDelegation) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}), func(o *Options) {
		o.Trajectory = store
	})

	d := core.NewTaskDelegation("audited.run", nil)
	d.CorrelationID = "corr-1"
	f.delegate(t, d)
	_ = f.nextResult(t)

	require.Eventually(t, func() bool {
		steps, _ := store.ListByCorrelation(context.Background(), "corr-1", 0)
		return len(steps) == 2
	}, 2*time.Second, 5*time.Millisecond)

	steps, err := store.ListByCorrelation(context.Background(), "corr-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", steps[0].State)
	assert.Equal(t, "COMPLETED", steps[1].State)
}

// recordingTrajectory is a minimal in-memory trajectory store for tests.
type recordingTrajectory struct {
	mu    sync.Mutex
	steps []core.TrajectoryStep
}

func newRecordingTrajectory() *recordingTrajectory {
	return &recordingTrajectory{}
}

func (r *recordingTrajectory) Append(ctx context.Context, step core.TrajectoryStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return nil
}

func (r *recordingTrajectory) ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]core.TrajectoryStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.TrajectoryStep
	for _, s := range r.steps {
		if s.CorrelationID == correlationID {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
