package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/docmend/docmend/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	payload      JSONB NOT NULL
)`

// PostgresArchiver stores terminal workflows in Postgres. The full workflow
// is kept as one JSONB document; status and timestamps are lifted into
// columns for querying.
type PostgresArchiver struct {
	db *sql.DB
}

var _ Archiver = (*PostgresArchiver)(nil)

// NewPostgresArchiver connects, verifies the connection, and ensures the
// schema exists.
func NewPostgresArchiver(ctx context.Context, dsn string) (*PostgresArchiver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create workflows table: %w", err)
	}
	slog.Info("Postgres archiver initialized")
	return &PostgresArchiver{db: db}, nil
}

// Archive upserts the workflow row.
func (a *PostgresArchiver) Archive(ctx context.Context, wf *domain.Workflow) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO workflows (id, status, started_at, completed_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    completed_at = EXCLUDED.completed_at,
		    payload = EXCLUDED.payload`,
		wf.ID, string(wf.Status), wf.StartedAt, wf.CompletedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to archive workflow %s: %w", wf.ID, err)
	}
	return nil
}

// Load fetches one archived workflow.
func (a *PostgresArchiver) Load(ctx context.Context, id string) (*domain.Workflow, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT payload FROM workflows WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	var wf domain.Workflow
	if err := json.Unmarshal(payload, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}
	return &wf, nil
}

// Close releases the connection pool.
func (a *PostgresArchiver) Close() error {
	return a.db.Close()
}
