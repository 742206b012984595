package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/logging"
)

// keyPrefix namespaces descriptor records inside the backing store.
const keyPrefix = "agents/"

// ChangeKind classifies a directory change event.
type ChangeKind string

const (
	// ChangeRegistered is emitted when a descriptor is created or replaced.
	ChangeRegistered ChangeKind = "REGISTERED"
	// ChangeHeartbeat is emitted on every accepted heartbeat.
	ChangeHeartbeat ChangeKind = "HEARTBEAT"
	// ChangeDeregistered is emitted on explicit, graceful deregistration.
	ChangeDeregistered ChangeKind = "DEREGISTERED"
	// ChangeEvicted is emitted when the watchdog removes a stale descriptor.
	ChangeEvicted ChangeKind = "EVICTED"
)

// ChangeEvent is one observed directory mutation. Descriptor is a snapshot
// taken at mutation time; consumers may retain it without copying.
type ChangeEvent struct {
	Kind       ChangeKind
	Descriptor core.AgentDescriptor
}

// record is the stored representation of a descriptor. Kind carries the last
// mutation so cross-process watchers can classify changes without diffing.
type record struct {
	Kind       ChangeKind           `json:"kind"`
	Descriptor core.AgentDescriptor `json:"descriptor"`
}

// Options configures a Directory.
type Options struct {
	// HeartbeatInterval is the expected cadence of agent heartbeats and the
	// tick rate of the eviction sweeper.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many intervals may elapse without a heartbeat
	// before a descriptor is considered stale.
	MissedHeartbeats int
	// Logger receives lifecycle and eviction events.
	Logger logging.Logger
	// Clock supplies the current time; overridable in tests.
	Clock func() time.Time
}

// Directory is the authoritative registry of agent descriptors. It layers
// lifecycle semantics (register, heartbeat, deregister, evict) on top of a
// compare-and-swap key-value store.
type Directory struct {
	store core.DirectoryStore
	opts  Options
}

// New creates a Directory over the given store.
func New(store core.DirectoryStore, optFns ...func(o *Options)) *Directory {
	opts := Options{
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
		Logger:            logging.NoOpLogger{},
		Clock:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Directory{store: store, opts: opts}
}

// Handle identifies a live registration. Heartbeats and deregistration go
// through the handle, which also carries the advisory in-flight task gauge.
type Handle struct {
	agentType string
	active    atomic.Int64
}

// AgentType returns the registered agent type.
func (h *Handle) AgentType() string { return h.agentType }

// ReportLoad updates the advisory in-flight task count published with the
// next heartbeat.
func (h *Handle) ReportLoad(activeTasks int) { h.active.Store(int64(activeTasks)) }

// Register validates and stores the descriptor, replacing any previous
// registration for the same agent type (a restarted agent re-registers).
func (d *Directory) Register(ctx context.Context, desc core.AgentDescriptor) (*Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc.Status = core.StatusRegistered
	desc.RegisteredAt = d.opts.Clock()
	desc.LastHeartbeat = nil
	desc.ActiveTasks = 0

	if err := d.write(ctx, record{Kind: ChangeRegistered, Descriptor: desc}, core.VersionAny); err != nil {
		return nil, err
	}
	d.opts.Logger.Info("agent registered: %s (capabilities=%d)", desc.AgentType, len(desc.Capabilities))
	return &Handle{agentType: desc.AgentType}, nil
}

// Heartbeat refreshes the descriptor's liveness timestamp and promotes a
// freshly registered descriptor to READY. Heartbeats that would move the
// timestamp backwards (clock skew, delayed delivery) are ignored.
func (d *Directory) Heartbeat(ctx context.Context, h *Handle) error {
	for {
		kv, err := d.store.Get(ctx, keyPrefix+h.agentType)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("heartbeat %s: %w", h.agentType, core.ErrNotRegistered)
			}
			return err
		}
		rec, err := decodeRecord(kv.Value)
		if err != nil {
			return err
		}
		if rec.Descriptor.Status == core.StatusDeregistered {
			return fmt.Errorf("heartbeat %s: %w", h.agentType, core.ErrNotRegistered)
		}

		now := d.opts.Clock()
		if rec.Descriptor.LastHeartbeat != nil && now.Before(*rec.Descriptor.LastHeartbeat) {
			return nil
		}
		rec.Kind = ChangeHeartbeat
		rec.Descriptor.LastHeartbeat = &now
		rec.Descriptor.ActiveTasks = int(h.active.Load())
		if rec.Descriptor.Status == core.StatusRegistered {
			rec.Descriptor.Status = core.StatusReady
		}

		err = d.write(ctx, rec, kv.Version)
		if errors.Is(err, core.ErrVersionConflict) {
			// Lost the race against a concurrent write; re-read and retry.
			continue
		}
		return err
	}
}

// Drain marks the registration as draining. A draining agent finishes its
// in-flight work but stops being eligible for new routing decisions.
func (d *Directory) Drain(ctx context.Context, h *Handle) error {
	return d.transition(ctx, h.agentType, core.StatusDraining, ChangeHeartbeat)
}

// Deregister gracefully removes the registration. Deregistering an unknown or
// already removed agent is not an error.
func (d *Directory) Deregister(ctx context.Context, h *Handle) error {
	return d.remove(ctx, h.agentType, ChangeDeregistered)
}

// ForceEvict removes a descriptor regardless of its heartbeat freshness, for
// operator intervention. Evicting an unknown agent is not an error.
func (d *Directory) ForceEvict(ctx context.Context, agentType string) error {
	err := d.remove(ctx, agentType, ChangeEvicted)
	if err == nil {
		d.opts.Logger.Warn("agent force-evicted: %s", agentType)
	}
	return err
}

// Get returns the descriptor for the agent type, or core.ErrNotRegistered.
func (d *Directory) Get(ctx context.Context, agentType string) (*core.AgentDescriptor, error) {
	kv, err := d.store.Get(ctx, keyPrefix+agentType)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrNotRegistered
		}
		return nil, err
	}
	rec, err := decodeRecord(kv.Value)
	if err != nil {
		return nil, err
	}
	if rec.Descriptor.Status == core.StatusDeregistered {
		return nil, core.ErrNotRegistered
	}
	return rec.Descriptor.Clone(), nil
}

// List returns a snapshot of every live descriptor.
func (d *Directory) List(ctx context.Context) ([]core.AgentDescriptor, error) {
	kvs, err := d.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]core.AgentDescriptor, 0, len(kvs))
	for _, kv := range kvs {
		rec, err := decodeRecord(kv.Value)
		if err != nil {
			d.opts.Logger.Warn("skipping undecodable directory record %s: %v", kv.Key, err)
			continue
		}
		if rec.Descriptor.Status == core.StatusDeregistered {
			continue
		}
		out = append(out, *rec.Descriptor.Clone())
	}
	return out, nil
}

// Watch streams directory changes starting from now. The channel closes when
// ctx is done. Events for one agent type arrive in apply order.
func (d *Directory) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	events, err := d.store.Watch(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(chan ChangeEvent)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Deleted {
				// Removal is announced by the preceding tombstone write.
				continue
			}
			rec, err := decodeRecord(ev.Value)
			if err != nil {
				d.opts.Logger.Warn("skipping undecodable directory event %s: %v", ev.Key, err)
				continue
			}
			select {
			case out <- ChangeEvent{Kind: rec.Kind, Descriptor: rec.Descriptor}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Run drives the eviction sweeper until ctx is done, checking once per
// heartbeat interval for descriptors whose last heartbeat is older than
// MissedHeartbeats intervals.
func (d *Directory) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.opts.Logger.Error("eviction sweep failed: %v", err)
			}
		}
	}
}

// Sweep evicts every stale descriptor once and returns how many were evicted.
// Concurrent sweeps are safe: the tombstone write is compare-and-swap guarded,
// so each stale descriptor is evicted exactly once.
func (d *Directory) Sweep(ctx context.Context) (int, error) {
	kvs, err := d.store.List(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	deadline := time.Duration(d.opts.MissedHeartbeats) * d.opts.HeartbeatInterval
	now := d.opts.Clock()

	evicted := 0
	for _, kv := range kvs {
		rec, err := decodeRecord(kv.Value)
		if err != nil {
			continue
		}
		if rec.Descriptor.Status == core.StatusDeregistered {
			continue
		}
		last := rec.Descriptor.RegisteredAt
		if rec.Descriptor.LastHeartbeat != nil {
			last = *rec.Descriptor.LastHeartbeat
		}
		if now.Sub(last) <= deadline {
			continue
		}

		rec.Kind = ChangeEvicted
		rec.Descriptor.Status = core.StatusDeregistered
		if err := d.write(ctx, rec, kv.Version); err != nil {
			if errors.Is(err, core.ErrVersionConflict) {
				// The descriptor changed under us, most likely a late
				// heartbeat or a concurrent sweeper. Leave it alone.
				continue
			}
			return evicted, err
		}
		if err := d.store.Delete(ctx, keyPrefix+rec.Descriptor.AgentType); err != nil {
			return evicted, err
		}
		evicted++
		if bl, ok := d.opts.Logger.(*logging.BusLogger); ok {
			bl.LogEviction(rec.Descriptor.AgentType, last, false)
		} else {
			d.opts.Logger.Warn("agent evicted after missed heartbeats: %s", rec.Descriptor.AgentType)
		}
	}
	return evicted, nil
}

// transition rewrites the descriptor status via compare-and-swap.
func (d *Directory) transition(ctx context.Context, agentType string, status core.AgentStatus, kind ChangeKind) error {
	for {
		kv, err := d.store.Get(ctx, keyPrefix+agentType)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return core.ErrNotRegistered
			}
			return err
		}
		rec, err := decodeRecord(kv.Value)
		if err != nil {
			return err
		}
		if rec.Descriptor.Status == core.StatusDeregistered {
			return core.ErrNotRegistered
		}
		rec.Kind = kind
		rec.Descriptor.Status = status

		err = d.write(ctx, rec, kv.Version)
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		return err
	}
}

// remove writes a tombstone announcing kind, then deletes the record. The
// operation is idempotent: absent and already tombstoned records are a no-op.
func (d *Directory) remove(ctx context.Context, agentType string, kind ChangeKind) error {
	for {
		kv, err := d.store.Get(ctx, keyPrefix+agentType)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			return err
		}
		rec, err := decodeRecord(kv.Value)
		if err != nil {
			// Undecodable records cannot announce a tombstone; drop them.
			return d.store.Delete(ctx, keyPrefix+agentType)
		}
		if rec.Descriptor.Status == core.StatusDeregistered {
			return nil
		}
		rec.Kind = kind
		rec.Descriptor.Status = core.StatusDeregistered

		err = d.write(ctx, rec, kv.Version)
		if errors.Is(err, core.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		return d.store.Delete(ctx, keyPrefix+agentType)
	}
}

func (d *Directory) write(ctx context.Context, rec record, expectedVersion int64) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal directory record: %w", err)
	}
	_, err = d.store.Put(ctx, keyPrefix+rec.Descriptor.AgentType, value, expectedVersion)
	return err
}

func decodeRecord(value []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return record{}, fmt.Errorf("unmarshal directory record: %w", err)
	}
	return rec, nil
}
