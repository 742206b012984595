// Package trajectory persists the audit trail of delegated tasks: one step
// per observable transition, queryable by correlation id. The in-memory store
// backs tests and local development; the mysql subpackage provides durable
// storage.
package trajectory

import (
	"context"
	"sync"

	"github.com/hupe1980/agentbus/core"
)

// InMemoryStore is a process-local core.TrajectoryStore.
type InMemoryStore struct {
	mu    sync.RWMutex
	steps []core.TrajectoryStep
}

var _ core.TrajectoryStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append implements core.TrajectoryStore.
func (s *InMemoryStore) Append(ctx context.Context, step core.TrajectoryStep) error {
	if step.CorrelationID == "" {
		return core.NewValidationError("correlation_id", "must not be empty")
	}
	if step.State == "" {
		return core.NewValidationError("state", "must not be empty")
	}
	if step.ID == "" {
		step.ID = core.NewID()
	}
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
	return nil
}

// ListByCorrelation implements core.TrajectoryStore.
func (s *InMemoryStore) ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]core.TrajectoryStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.TrajectoryStep
	for _, step := range s.steps {
		if step.CorrelationID != correlationID {
			continue
		}
		out = append(out, step)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len reports the total number of stored steps.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.steps)
}
