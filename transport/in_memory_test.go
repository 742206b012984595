package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbus/core"
)

func testEnvelope(t *testing.T, eventType string) core.Envelope {
	t.Helper()
	env, err := core.NewEnvelope(eventType, map[string]string{"k": "v"})
	require.NoError(t, err)
	return env
}

func receive(t *testing.T, sub core.Subscription) core.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "deliveries channel closed unexpectedly")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return core.Delivery{}
	}
}

func TestInMemoryTransport_QueueGroupDeliversExactlyOnce(t *testing.T) {
	tr := NewInMemoryTransport()
	defer tr.Close()

	ctx := context.Background()
	s1, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: "agents.product.tasks", QueueGroup: "product"})
	require.NoError(t, err)
	s2, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: "agents.product.tasks", QueueGroup: "product"})
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Publish(ctx, "agents.product.tasks", testEnvelope(t, core.EventTypeTaskDelegated)))
	}

	// Exactly n deliveries total across the group, round-robined.
	got := 0
	deadline := time.After(2 * time.Second)
	for got < n {
		select {
		case d := <-s1.Deliveries():
			require.NoError(t, d.Acker.Ack())
			got++
		case d := <-s2.Deliveries():
			require.NoError(t, d.Acker.Ack())
			got++
		case <-deadline:
			t.Fatalf("expected %d deliveries, got %d", n, got)
		}
	}

	// No duplicates trickle in afterwards.
	select {
	case <-s1.Deliveries():
		t.Fatal("duplicate delivery to group member 1")
	case <-s2.Deliveries():
		t.Fatal("duplicate delivery to group member 2")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryTransport_BroadcastDeliversToEverySubscriber(t *testing.T) {
	tr := NewInMemoryTransport()
	defer tr.Close()

	ctx := context.Background()
	s1, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: "agents.events"})
	require.NoError(t, err)
	s2, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: "agents.events"})
	require.NoError(t, err)

	env := testEnvelope(t, core.EventTypeTaskCompleted)
	require.NoError(t, tr.Publish(ctx, "agents.events", env))

	d1 := receive(t, s1)
	d2 := receive(t, s2)
	assert.Equal(t, env.EventID, d1.Envelope.EventID)
	assert.Equal(t, env.EventID, d2.Envelope.EventID)
}

func TestInMemoryTransport_NackRedeliversWithIncreasedAttempt(t *testing.T) {
	tr := NewInMemoryTransport()
	defer tr.Close()

	ctx := context.Background()
	sub, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: "agents.x.tasks", QueueGroup: "x"})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "agents.x.tasks", testEnvelope(t, core.EventTypeTaskDelegated)))

	d := receive(t, sub)
	assert.Equal(t, 1, d.Attempt)
	require.NoError(t, d.Acker.Nack())

	redelivered := receive(t, sub)
	assert.Equal(t, 2, redelivered.Attempt)
	assert.Equal(t, d.Envelope.EventID, redelivered.Envelope.EventID)
	require.NoError(t, redelivered.Acker.Ack())
}

func TestInMemoryTransport_ExhaustedDeliveriesDeadLetter(t *testing.T) {
	tr := NewInMemoryTransport(func(o *Options) { o.MaxDeliveries = 2 })
	defer tr.Close()

	ctx := context.Background()
	dlq, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: core.DefaultDeadLetterDestination})
	require.NoError(t, err)
	sub, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: "agents.y.tasks", QueueGroup: "y"})
	require.NoError(t, err)

	env := testEnvelope(t, core.EventTypeTaskDelegated)
	require.NoError(t, tr.Publish(ctx, "agents.y.tasks", env))

	first := receive(t, sub)
	require.NoError(t, first.Acker.Nack())
	second := receive(t, sub)
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, second.Acker.Nack()) // budget of 2 now spent

	dead := receive(t, dlq)
	assert.Equal(t, env.EventID, dead.Envelope.EventID)
	assert.Equal(t, "agents.y.tasks", dead.Envelope.Metadata["deadletter_source"])

	select {
	case <-sub.Deliveries():
		t.Fatal("envelope redelivered after dead-lettering")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryTransport_AckIsIdempotent(t *testing.T) {
	tr := NewInMemoryTransport()
	defer tr.Close()

	ctx := context.Background()
	sub, err := tr.Subscribe(ctx, core.SubscribeOptions{Destination: "agents.z.tasks", QueueGroup: "z"})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "agents.z.tasks", testEnvelope(t, core.EventTypeTaskDelegated)))

	d := receive(t, sub)
	require.NoError(t, d.Acker.Ack())
	require.NoError(t, d.Acker.Ack())
	require.NoError(t, d.Acker.Nack()) // settled, must not redeliver

	select {
	case <-sub.Deliveries():
		t.Fatal("settled delivery was redelivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryTransport_CloseTerminatesSubscriptions(t *testing.T) {
	tr := NewInMemoryTransport()
	sub, err := tr.Subscribe(context.Background(), core.SubscribeOptions{Destination: "agents.close"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())

	select {
	case _, ok := <-sub.Deliveries():
		assert.False(t, ok, "expected closed deliveries channel")
	case <-time.After(time.Second):
		t.Fatal("deliveries channel not closed")
	}

	err = tr.Publish(context.Background(), "agents.close", testEnvelope(t, core.EventTypeTaskDelegated))
	assert.Error(t, err)
}
