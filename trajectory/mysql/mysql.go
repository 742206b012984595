// Package mysql provides a MySQL-backed core.TrajectoryStore using plain
// database/sql with the go-sql-driver. Schema setup is explicit via
// EnsureSchema; the store never migrates implicitly.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hupe1980/agentbus/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS trajectory_steps (
    id             VARCHAR(64)  NOT NULL PRIMARY KEY,
    correlation_id VARCHAR(64)  NOT NULL,
    task_id        VARCHAR(64)  NOT NULL,
    agent_type     VARCHAR(128) NOT NULL DEFAULT '',
    capability     VARCHAR(255) NOT NULL DEFAULT '',
    state          VARCHAR(32)  NOT NULL,
    detail         TEXT,
    created_at     TIMESTAMP(6) NOT NULL,
    seq            BIGINT       NOT NULL AUTO_INCREMENT UNIQUE,
    INDEX idx_correlation (correlation_id, seq)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// Store implements core.TrajectoryStore over a *sql.DB.
type Store struct {
	db *sql.DB
}

var _ core.TrajectoryStore = (*Store)(nil)

// NewStore creates a Store over an existing database handle. The caller owns
// the handle's lifecycle and pooling configuration.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open dials the DSN and returns a ready store. The DSN must carry
// parseTime=true so timestamps scan into time.Time.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the trajectory table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure trajectory schema: %w", err)
	}
	return nil
}

// Append implements core.TrajectoryStore.
func (s *Store) Append(ctx context.Context, step core.TrajectoryStep) error {
	if step.CorrelationID == "" {
		return core.NewValidationError("correlation_id", "must not be empty")
	}
	if step.ID == "" {
		step.ID = core.NewID()
	}
	const q = `INSERT INTO trajectory_steps
        (id, correlation_id, task_id, agent_type, capability, state, detail, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		step.ID, step.CorrelationID, step.TaskID, step.AgentType,
		step.Capability, step.State, step.Detail, step.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trajectory step: %w", err)
	}
	return nil
}

// ListByCorrelation implements core.TrajectoryStore.
func (s *Store) ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]core.TrajectoryStep, error) {
	q := `SELECT id, correlation_id, task_id, agent_type, capability, state, detail, created_at
        FROM trajectory_steps WHERE correlation_id = ? ORDER BY seq`
	args := []any{correlationID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trajectory steps: %w", err)
	}
	defer rows.Close()

	var out []core.TrajectoryStep
	for rows.Next() {
		var step core.TrajectoryStep
		var detail sql.NullString
		if err := rows.Scan(&step.ID, &step.CorrelationID, &step.TaskID, &step.AgentType,
			&step.Capability, &step.State, &detail, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trajectory step: %w", err)
		}
		step.Detail = detail.String
		out = append(out, step)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
