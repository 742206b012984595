package registry

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/directory"
	"github.com/hupe1980/agentbus/logging"
)

// Entry is one routable capability: the capability itself plus the routing
// coordinates of the agent that won its declaration.
type Entry struct {
	Capability core.Capability
	AgentType  string
	RoutingKey string
	QueueGroup string
	// ActiveTasks and MaxConcurrentTasks mirror the winning descriptor's
	// advisory load at snapshot time.
	ActiveTasks        int
	MaxConcurrentTasks int
}

// Saturated reports whether the advisory load gauge has reached the declared
// concurrency limit. It is a hint for routing decisions, not an admission gate.
func (e Entry) Saturated() bool {
	return e.MaxConcurrentTasks > 0 && e.ActiveTasks >= e.MaxConcurrentTasks
}

// DuplicateWarning records a capability declared by more than one agent and
// which declaration won.
type DuplicateWarning struct {
	Capability string
	Winner     string
	Loser      string
}

// Snapshot is an immutable capability projection. All methods are safe for
// concurrent use; a snapshot never changes after construction.
type Snapshot struct {
	builtAt      time.Time
	byCapability map[string]Entry
	agents       []core.AgentDescriptor
	warnings     []DuplicateWarning
}

// Lookup resolves a capability name to its routable entry.
func (s *Snapshot) Lookup(capability string) (Entry, error) {
	e, ok := s.byCapability[capability]
	if !ok {
		return Entry{}, core.ErrCapabilityNotFound
	}
	return e, nil
}

// Capabilities returns all routable capability names in sorted order.
func (s *Snapshot) Capabilities() []string {
	names := make([]string, 0, len(s.byCapability))
	for name := range s.byCapability {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agents returns the live descriptors the snapshot was built from.
func (s *Snapshot) Agents() []core.AgentDescriptor {
	out := make([]core.AgentDescriptor, len(s.agents))
	copy(out, s.agents)
	return out
}

// Warnings returns the duplicate-declaration conflicts resolved during the
// rebuild.
func (s *Snapshot) Warnings() []DuplicateWarning { return s.warnings }

// BuiltAt returns when the snapshot was constructed.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// CapabilitySummary is the planner-facing view of one routable capability.
type CapabilitySummary struct {
	Name      string                `json:"name"`
	AgentType string                `json:"agent_type"`
	Input     core.SchemaDescriptor `json:"input"`
	Output    core.SchemaDescriptor `json:"output"`
}

// PlanningContext summarizes the routable surface for plan construction. It
// deliberately omits routing keys and load figures: planners choose
// capabilities, the router chooses destinations.
func (s *Snapshot) PlanningContext() []CapabilitySummary {
	out := make([]CapabilitySummary, 0, len(s.byCapability))
	for _, name := range s.Capabilities() {
		e := s.byCapability[name]
		out = append(out, CapabilitySummary{
			Name:      e.Capability.Name,
			AgentType: e.AgentType,
			Input:     e.Capability.Input,
			Output:    e.Capability.Output,
		})
	}
	return out
}

// defaultConfidence is assumed for capabilities declared without a hint when
// breaking duplicate-declaration ties.
const defaultConfidence = 0.5

// Rebuild constructs a snapshot from a set of descriptors. It is a pure
// function of its input: no locks, no I/O, deterministic output. Descriptors
// that are deregistered or draining are excluded from routing.
func Rebuild(descs []core.AgentDescriptor, now time.Time) *Snapshot {
	snap := &Snapshot{
		builtAt:      now,
		byCapability: make(map[string]Entry),
	}

	// Deterministic iteration keeps duplicate resolution stable regardless of
	// input order.
	sorted := make([]core.AgentDescriptor, len(descs))
	copy(sorted, descs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentType < sorted[j].AgentType })

	for _, d := range sorted {
		if d.Status == core.StatusDeregistered {
			continue
		}
		snap.agents = append(snap.agents, *d.Clone())
		if d.Status == core.StatusDraining {
			continue
		}
		for _, cap := range d.Capabilities {
			candidate := Entry{
				Capability:         cap,
				AgentType:          d.AgentType,
				RoutingKey:         d.RoutingKey,
				QueueGroup:         d.QueueGroup,
				ActiveTasks:        d.ActiveTasks,
				MaxConcurrentTasks: d.MaxConcurrentTasks,
			}
			current, exists := snap.byCapability[cap.Name]
			if !exists {
				snap.byCapability[cap.Name] = candidate
				continue
			}
			winner, loser := resolveDuplicate(descs, current, candidate, cap.Name)
			snap.byCapability[cap.Name] = winner
			snap.warnings = append(snap.warnings, DuplicateWarning{
				Capability: cap.Name,
				Winner:     winner.AgentType,
				Loser:      loser.AgentType,
			})
		}
	}
	return snap
}

// resolveDuplicate picks between two declarations of the same capability:
// higher confidence hint wins; on a tie the most recently registered agent
// wins, on the assumption that the newer deployment supersedes the older.
func resolveDuplicate(descs []core.AgentDescriptor, a, b Entry, capability string) (winner, loser Entry) {
	ca := confidenceOf(descs, a.AgentType, capability)
	cb := confidenceOf(descs, b.AgentType, capability)
	switch {
	case ca > cb:
		return a, b
	case cb > ca:
		return b, a
	}
	if registeredAt(descs, b.AgentType).After(registeredAt(descs, a.AgentType)) {
		return b, a
	}
	return a, b
}

func confidenceOf(descs []core.AgentDescriptor, agentType, capability string) float64 {
	for i := range descs {
		if descs[i].AgentType == agentType {
			return descs[i].Confidence(capability, defaultConfidence)
		}
	}
	return defaultConfidence
}

func registeredAt(descs []core.AgentDescriptor, agentType string) time.Time {
	for i := range descs {
		if descs[i].AgentType == agentType {
			return descs[i].RegisteredAt
		}
	}
	return time.Time{}
}

// Options configures a Registry.
type Options struct {
	// Logger receives rebuild and duplicate-resolution events.
	Logger logging.Logger
	// Clock supplies snapshot timestamps; overridable in tests.
	Clock func() time.Time
}

// Registry keeps the current capability snapshot in sync with the agent
// directory. Reads go through an atomic pointer; the single Run goroutine is
// the only writer.
type Registry struct {
	dir  *directory.Directory
	opts Options

	snapshot atomic.Pointer[Snapshot]
}

// New creates a Registry over the given directory, initialized with an empty
// snapshot so lookups are valid before Run has synchronized.
func New(dir *directory.Directory, optFns ...func(o *Options)) *Registry {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	r := &Registry{dir: dir, opts: opts}
	r.snapshot.Store(Rebuild(nil, opts.Clock()))
	return r
}

// Snapshot returns the current projection.
func (r *Registry) Snapshot() *Snapshot { return r.snapshot.Load() }

// Lookup resolves a capability against the current snapshot.
func (r *Registry) Lookup(capability string) (Entry, error) {
	return r.snapshot.Load().Lookup(capability)
}

// Refresh rebuilds the snapshot from a full directory listing.
func (r *Registry) Refresh(ctx context.Context) error {
	descs, err := r.dir.List(ctx)
	if err != nil {
		return err
	}
	r.swap(descsToMap(descs))
	return nil
}

// Run synchronizes the snapshot with the directory until ctx is done. It
// subscribes to the change feed before the initial listing so no change
// falls between the two.
func (r *Registry) Run(ctx context.Context) error {
	events, err := r.dir.Watch(ctx)
	if err != nil {
		return err
	}
	descs, err := r.dir.List(ctx)
	if err != nil {
		return err
	}
	state := descsToMap(descs)
	r.swap(state)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case directory.ChangeDeregistered, directory.ChangeEvicted:
				delete(state, ev.Descriptor.AgentType)
			default:
				state[ev.Descriptor.AgentType] = ev.Descriptor
			}
			r.swap(state)
		}
	}
}

func (r *Registry) swap(state map[string]core.AgentDescriptor) {
	descs := make([]core.AgentDescriptor, 0, len(state))
	for _, d := range state {
		descs = append(descs, d)
	}
	snap := Rebuild(descs, r.opts.Clock())
	for _, w := range snap.Warnings() {
		r.opts.Logger.Warn("capability %s declared by both %s and %s; routing to %s",
			w.Capability, w.Winner, w.Loser, w.Winner)
	}
	r.snapshot.Store(snap)
}

func descsToMap(descs []core.AgentDescriptor) map[string]core.AgentDescriptor {
	state := make(map[string]core.AgentDescriptor, len(descs))
	for _, d := range descs {
		state[d.AgentType] = d
	}
	return state
}
