package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbus/core"
)

// failingTransport fails every publish; used to trip the breaker.
type failingTransport struct{ calls int }

func (f *failingTransport) Publish(context.Context, string, core.Envelope) error {
	f.calls++
	return errors.New("broker unavailable")
}

func (f *failingTransport) Subscribe(context.Context, core.SubscribeOptions) (core.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *failingTransport) Close() error { return nil }

func TestBreakerTransport_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingTransport{}
	bt := NewBreakerTransport(inner, func(o *BreakerOptions) {
		o.ConsecutiveFailures = 3
		o.OpenTimeout = time.Minute
	})

	env, err := core.NewEnvelope(core.EventTypeTaskDelegated, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Error(t, bt.Publish(context.Background(), "agents.x", env))
	}
	// Breaker is now open: the inner transport must not see further calls.
	assert.Error(t, bt.Publish(context.Background(), "agents.x", env))
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerTransport_PassesThroughSuccess(t *testing.T) {
	inner := NewInMemoryTransport()
	defer inner.Close()
	bt := NewBreakerTransport(inner)

	sub, err := bt.Subscribe(context.Background(), core.SubscribeOptions{Destination: "agents.ok", QueueGroup: "g"})
	require.NoError(t, err)

	env, err := core.NewEnvelope(core.EventTypeTaskDelegated, nil)
	require.NoError(t, err)
	require.NoError(t, bt.Publish(context.Background(), "agents.ok", env))

	d := receive(t, sub)
	assert.Equal(t, env.EventID, d.Envelope.EventID)
}
