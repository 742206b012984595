package core

import (
	"context"
	"time"
)

// TrajectoryStep records one observable transition of a delegated task:
// delegated, completed, failed, dead-lettered. Steps form the audit trail of
// a request across agents, keyed by correlation id.
type TrajectoryStep struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	TaskID        string    `json:"task_id"`
	AgentType     string    `json:"agent_type,omitempty"`
	Capability    string    `json:"capability,omitempty"`
	State         string    `json:"state"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TrajectoryStore persists trajectory steps. Implementations are external
// collaborators (relational stores); an in-memory implementation backs tests
// and local development.
type TrajectoryStore interface {
	// Append records one step. Steps are immutable once written.
	Append(ctx context.Context, step TrajectoryStep) error

	// ListByCorrelation returns up to limit steps for the correlation id in
	// insertion order. A non-positive limit returns all steps.
	ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]TrajectoryStep, error)
}
