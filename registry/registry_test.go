package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/directory"
)

func descriptor(agentType string, registeredAt time.Time, caps ...core.Capability) core.AgentDescriptor {
	return core.AgentDescriptor{
		AgentType:          agentType,
		Version:            "1.0.0",
		Capabilities:       caps,
		RoutingKey:         "agents." + agentType + ".tasks",
		QueueGroup:         agentType,
		MaxConcurrentTasks: 4,
		Status:             core.StatusReady,
		RegisteredAt:       registeredAt,
	}
}

func capability(name string, hint float64) core.Capability {
	return core.Capability{
		Name:           name,
		Input:          core.SchemaDescriptor{Kind: core.SchemaAny},
		Output:         core.SchemaDescriptor{Kind: core.SchemaString},
		ConfidenceHint: &hint,
	}
}

func TestRebuild_IsDeterministicAcrossInputOrder(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := descriptor("a", t0, capability("search", 0.9))
	b := descriptor("b", t0.Add(time.Hour), capability("search", 0.9))

	s1 := Rebuild([]core.AgentDescriptor{a, b}, t0)
	s2 := Rebuild([]core.AgentDescriptor{b, a}, t0)

	e1, err := s1.Lookup("search")
	require.NoError(t, err)
	e2, err := s2.Lookup("search")
	require.NoError(t, err)
	assert.Equal(t, e1.AgentType, e2.AgentType)
}

func TestRebuild_DuplicateResolvedByConfidenceHint(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	low := descriptor("low", t0.Add(time.Hour), capability("search", 0.3))
	high := descriptor("high", t0, capability("search", 0.8))

	snap := Rebuild([]core.AgentDescriptor{low, high}, t0)

	e, err := snap.Lookup("search")
	require.NoError(t, err)
	assert.Equal(t, "high", e.AgentType, "higher confidence wins regardless of recency")

	require.Len(t, snap.Warnings(), 1)
	assert.Equal(t, "search", snap.Warnings()[0].Capability)
	assert.Equal(t, "high", snap.Warnings()[0].Winner)
	assert.Equal(t, "low", snap.Warnings()[0].Loser)
}

func TestRebuild_DuplicateTieBrokenByRecency(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	older := descriptor("older", t0, capability("search", 0.7))
	newer := descriptor("newer", t0.Add(time.Minute), capability("search", 0.7))

	snap := Rebuild([]core.AgentDescriptor{older, newer}, t0)

	e, err := snap.Lookup("search")
	require.NoError(t, err)
	assert.Equal(t, "newer", e.AgentType)
}

func TestRebuild_MissingHintTreatedAsNeutral(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	hinted := descriptor("hinted", t0, capability("search", 0.8))
	unhinted := descriptor("unhinted", t0.Add(time.Hour), core.Capability{
		Name:   "search",
		Input:  core.SchemaDescriptor{Kind: core.SchemaAny},
		Output: core.SchemaDescriptor{Kind: core.SchemaString},
	})

	snap := Rebuild([]core.AgentDescriptor{hinted, unhinted}, t0)

	e, err := snap.Lookup("search")
	require.NoError(t, err)
	assert.Equal(t, "hinted", e.AgentType, "0.8 beats the implicit 0.5")
}

func TestRebuild_ExcludesDrainingAndDeregistered(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	draining := descriptor("draining", t0, capability("search", 0.9))
	draining.Status = core.StatusDraining
	gone := descriptor("gone", t0, capability("summarize", 0.9))
	gone.Status = core.StatusDeregistered

	snap := Rebuild([]core.AgentDescriptor{draining, gone}, t0)

	_, err := snap.Lookup("search")
	assert.ErrorIs(t, err, core.ErrCapabilityNotFound)
	_, err = snap.Lookup("summarize")
	assert.ErrorIs(t, err, core.ErrCapabilityNotFound)

	// The draining agent is still listed; it just takes no new work.
	require.Len(t, snap.Agents(), 1)
	assert.Equal(t, "draining", snap.Agents()[0].AgentType)
}

func TestSnapshot_EntrySaturation(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d := descriptor("busy", t0, capability("search", 0.9))
	d.ActiveTasks = 4

	snap := Rebuild([]core.AgentDescriptor{d}, t0)
	e, err := snap.Lookup("search")
	require.NoError(t, err)
	assert.True(t, e.Saturated())
}

func TestSnapshot_PlanningContextIsSortedAndSchemaBearing(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d := descriptor("multi", t0,
		capability("zeta.do", 0.9),
		capability("alpha.do", 0.9),
	)

	snap := Rebuild([]core.AgentDescriptor{d}, t0)
	pc := snap.PlanningContext()

	require.Len(t, pc, 2)
	assert.Equal(t, "alpha.do", pc[0].Name)
	assert.Equal(t, "zeta.do", pc[1].Name)
	assert.Equal(t, core.SchemaString, pc[0].Output.Kind)
}

func TestRegistry_RunTracksDirectoryChanges(t *testing.T) {
	dir := directory.New(directory.NewInMemoryStore())
	reg := New(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	desc := descriptor("product", time.Now(), capability("product.search", 0.9))
	h, err := dir.Register(ctx, desc)
	require.NoError(t, err)
	require.NoError(t, dir.Heartbeat(ctx, h))

	require.Eventually(t, func() bool {
		_, err := reg.Lookup("product.search")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dir.Deregister(ctx, h))

	require.Eventually(t, func() bool {
		_, err := reg.Lookup("product.search")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
