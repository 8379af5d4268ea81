package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// PostgresPersister stores job snapshots in the script_jobs table.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

func NewPostgresPersister(pool *pgxpool.Pool) *PostgresPersister {
	return &PostgresPersister{pool: pool}
}

// Save upserts the snapshot of job.
func (p *PostgresPersister) Save(ctx context.Context, job *models.Job) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO script_jobs (id, script_type, status, created_at, snapshot, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		job.ID, string(job.ScriptType), string(job.Status), job.CreatedAt, snapshot)
	if err != nil {
		return fmt.Errorf("save job snapshot: %w", err)
	}
	return nil
}

// Load returns up to limit snapshots, most recently written first. Rows that
// do not decode into a valid job are skipped.
func (p *PostgresPersister) Load(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id::text, snapshot FROM script_jobs ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load job snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan job snapshot: %w", err)
		}
		var job models.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			slog.Warn("skipping job snapshot", "id", id, "error", err)
			continue
		}
		if err := jobs.ValidateSnapshot(&job); err != nil {
			slog.Warn("skipping job snapshot", "id", id, "error", err)
			continue
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

// Prune deletes all but the keep most recently written snapshots.
func (p *PostgresPersister) Prune(ctx context.Context, keep int) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM script_jobs WHERE id NOT IN (
		     SELECT id FROM script_jobs ORDER BY updated_at DESC LIMIT $1
		 )`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune job snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ jobs.Persister = (*PostgresPersister)(nil)
