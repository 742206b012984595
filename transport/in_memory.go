package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/logging"
)

// Options configures the in-memory transport.
type Options struct {
	// MaxDeliveries bounds delivery attempts per envelope before it is routed
	// to the dead-letter destination.
	MaxDeliveries int
	// DeadLetterDestination receives envelopes that exhausted MaxDeliveries.
	DeadLetterDestination string
	// BufferSize is the per-subscription inbox capacity. Publishers block
	// (or fail on context cancellation) when an inbox is full.
	BufferSize int
	// DefaultPrefetch bounds unacknowledged deliveries for subscriptions that
	// do not set their own prefetch.
	DefaultPrefetch int
	// Logger receives transport diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// InMemoryTransport is a process-local core.Transport implementation. It is
// safe for concurrent use and best suited for tests, examples and
// single-process deployments. Envelopes published to a destination with no
// active subscribers are dropped; there is no retention.
type InMemoryTransport struct {
	opts Options

	mu     sync.Mutex
	subs   map[string][]*memorySubscription // keyed by destination
	cursor map[string]int                   // round-robin cursor per destination/group
	closed bool
}

var _ core.Transport = (*InMemoryTransport)(nil)

// NewInMemoryTransport constructs an in-memory transport with safe defaults.
func NewInMemoryTransport(optFns ...func(o *Options)) *InMemoryTransport {
	opts := Options{
		MaxDeliveries:         5,
		DeadLetterDestination: core.DefaultDeadLetterDestination,
		BufferSize:            64,
		DefaultPrefetch:       16,
		Logger:                logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryTransport{
		opts:   opts,
		subs:   make(map[string][]*memorySubscription),
		cursor: make(map[string]int),
	}
}

// Publish implements core.Transport.
func (t *InMemoryTransport) Publish(ctx context.Context, destination string, env core.Envelope) error {
	return t.deliver(ctx, destination, env, 1)
}

// Subscribe implements core.Transport.
func (t *InMemoryTransport) Subscribe(_ context.Context, opts core.SubscribeOptions) (core.Subscription, error) {
	if opts.Destination == "" {
		return nil, core.NewValidationError("destination", "must not be empty")
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = t.opts.DefaultPrefetch
	}

	sub := &memorySubscription{
		transport: t,
		dest:      opts.Destination,
		group:     opts.QueueGroup,
		inbox:     make(chan core.Delivery, t.opts.BufferSize),
		out:       make(chan core.Delivery),
		sem:       make(chan struct{}, prefetch),
		quit:      make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	t.subs[opts.Destination] = append(t.subs[opts.Destination], sub)

	go sub.pump()
	return sub, nil
}

// Close terminates all subscriptions and rejects further publishes.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var all []*memorySubscription
	for _, subs := range t.subs {
		all = append(all, subs...)
	}
	t.subs = make(map[string][]*memorySubscription)
	t.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

// deliver selects one member per queue group plus every broadcast subscriber
// and enqueues the envelope to each.
func (t *InMemoryTransport) deliver(ctx context.Context, destination string, env core.Envelope, attempt int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	groups := make(map[string][]*memorySubscription)
	var targets []*memorySubscription
	for _, sub := range t.subs[destination] {
		if sub.group == "" {
			targets = append(targets, sub)
			continue
		}
		groups[sub.group] = append(groups[sub.group], sub)
	}
	for group, members := range groups {
		key := destination + "/" + group
		idx := t.cursor[key] % len(members)
		t.cursor[key]++
		targets = append(targets, members[idx])
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		t.opts.Logger.Debug("dropping %s envelope, destination %s has no subscribers", env.EventType, destination)
		return nil
	}
	for _, sub := range targets {
		if err := sub.enqueue(ctx, env, attempt); err != nil {
			return err
		}
	}
	return nil
}

// deliverToGroup re-enqueues a nacked envelope to one member of the group.
func (t *InMemoryTransport) deliverToGroup(destination, group string, env core.Envelope, attempt int) error {
	t.mu.Lock()
	var members []*memorySubscription
	for _, sub := range t.subs[destination] {
		if sub.group == group {
			members = append(members, sub)
		}
	}
	var target *memorySubscription
	if len(members) > 0 {
		key := destination + "/" + group
		target = members[t.cursor[key]%len(members)]
		t.cursor[key]++
	}
	t.mu.Unlock()

	if target == nil {
		t.opts.Logger.Warn("redelivery to %s dropped, queue group %s has no members", destination, group)
		return nil
	}
	return target.enqueue(context.Background(), env, attempt)
}

// deadLetter forwards an exhausted envelope to the dead-letter destination.
// Envelopes already on the dead-letter destination are dropped to avoid loops.
func (t *InMemoryTransport) deadLetter(destination string, env core.Envelope) {
	if destination == t.opts.DeadLetterDestination {
		t.opts.Logger.Error("dropping envelope %s, deliveries exhausted on the dead-letter destination itself", env.EventID)
		return
	}
	dead := env.WithMetadata("deadletter_source", destination)
	if err := t.deliver(context.Background(), t.opts.DeadLetterDestination, dead, 1); err != nil {
		t.opts.Logger.Error("dead-letter publish for envelope %s failed: %v", env.EventID, err)
	}
}

// memorySubscription is one consumer attached to the in-memory transport.
type memorySubscription struct {
	transport *InMemoryTransport
	dest      string
	group     string

	inbox chan core.Delivery
	out   chan core.Delivery
	sem   chan struct{} // prefetch gate, released on ack/nack

	quit     chan struct{}
	stopOnce sync.Once
}

var _ core.Subscription = (*memorySubscription)(nil)

// Deliveries implements core.Subscription.
func (s *memorySubscription) Deliveries() <-chan core.Delivery { return s.out }

// Close detaches the subscription from the transport and terminates delivery.
func (s *memorySubscription) Close() error {
	t := s.transport
	t.mu.Lock()
	subs := t.subs[s.dest]
	for i, sub := range subs {
		if sub == s {
			t.subs[s.dest] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *memorySubscription) enqueue(ctx context.Context, env core.Envelope, attempt int) error {
	d := core.Delivery{
		Envelope: env,
		Attempt:  attempt,
		Acker:    &memoryAcker{sub: s, env: env, attempt: attempt},
	}
	select {
	case <-s.quit:
		return fmt.Errorf("subscription closed")
	case <-ctx.Done():
		return ctx.Err()
	case s.inbox <- d:
		return nil
	}
}

// pump moves deliveries from the inbox to the consumer, respecting the
// prefetch gate. It owns the out channel and closes it on termination.
func (s *memorySubscription) pump() {
	defer close(s.out)
	for {
		var d core.Delivery
		select {
		case <-s.quit:
			return
		case d = <-s.inbox:
		}
		select {
		case <-s.quit:
			return
		case s.sem <- struct{}{}:
		}
		select {
		case <-s.quit:
			return
		case s.out <- d:
		}
	}
}

// memoryAcker settles one delivery exactly once.
type memoryAcker struct {
	sub     *memorySubscription
	env     core.Envelope
	attempt int
	once    sync.Once
}

var _ core.Acker = (*memoryAcker)(nil)

// Ack settles the delivery successfully.
func (a *memoryAcker) Ack() error {
	a.once.Do(a.release)
	return nil
}

// Nack settles the delivery negatively, triggering redelivery or
// dead-lettering once the attempt budget is exhausted.
func (a *memoryAcker) Nack() error {
	var err error
	a.once.Do(func() {
		a.release()
		t := a.sub.transport
		if a.attempt >= t.opts.MaxDeliveries {
			t.deadLetter(a.sub.dest, a.env)
			return
		}
		if a.sub.group == "" {
			// Broadcast redelivery targets only the nacking subscriber;
			// siblings already received their copies.
			err = a.sub.enqueue(context.Background(), a.env, a.attempt+1)
			return
		}
		err = t.deliverToGroup(a.sub.dest, a.sub.group, a.env, a.attempt+1)
	})
	return err
}

func (a *memoryAcker) release() {
	select {
	case <-a.sub.sem:
	default:
	}
}
