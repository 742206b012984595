package transport

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hupe1980/agentbus/core"
)

// BreakerOptions tunes the circuit breaker guarding publishes.
type BreakerOptions struct {
	// Name identifies the breaker in state-change callbacks.
	Name string
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
	// OnStateChange, when set, observes breaker transitions.
	OnStateChange func(name string, from, to gobreaker.State)
}

// BreakerTransport decorates a core.Transport with a circuit breaker on the
// publish path. A broker outage then fails fast instead of stalling every
// runtime shell on publish timeouts; subscriptions pass through untouched.
type BreakerTransport struct {
	inner   core.Transport
	breaker *gobreaker.CircuitBreaker[struct{}]
}

var _ core.Transport = (*BreakerTransport)(nil)

// NewBreakerTransport wraps inner with a publish circuit breaker.
func NewBreakerTransport(inner core.Transport, optFns ...func(o *BreakerOptions)) *BreakerTransport {
	opts := BreakerOptions{
		Name:                "agentbus-publish",
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	settings := gobreaker.Settings{
		Name:    opts.Name,
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
	}
	if opts.OnStateChange != nil {
		settings.OnStateChange = opts.OnStateChange
	}

	return &BreakerTransport{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// Publish implements core.Transport through the breaker.
func (t *BreakerTransport) Publish(ctx context.Context, destination string, env core.Envelope) error {
	_, err := t.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, t.inner.Publish(ctx, destination, env)
	})
	return err
}

// Subscribe implements core.Transport by delegating to the wrapped transport.
func (t *BreakerTransport) Subscribe(ctx context.Context, opts core.SubscribeOptions) (core.Subscription, error) {
	return t.inner.Subscribe(ctx, opts)
}

// Close implements core.Transport by delegating to the wrapped transport.
func (t *BreakerTransport) Close() error { return t.inner.Close() }
