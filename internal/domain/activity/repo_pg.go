package activity

import (
	"context"
	"embed"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/activity/internal/platform/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewMigrator returns a migrator over the embedded ledger schema.
func NewMigrator(pool *pgxpool.Pool) *db.Migrator {
	return db.NewMigrator(pool, migrationFS, "migrations")
}

// Migrate applies the ledger schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	return NewMigrator(pool).Up(ctx)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	conn querier
}

func NewRepo(pool *pgxpool.Pool) RunRepository {
	return &repoPG{conn: pool}
}

const runCols = `id, started_at, finished_at, outcome, job_url, job_state, file_count, message_count, error`

func (r *repoPG) Create(ctx context.Context, run *Run) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO export_runs (id, started_at, outcome)
		VALUES ($1, $2, $3)`,
		run.ID, run.StartedAt, run.Outcome,
	)
	return err
}

func (r *repoPG) Finish(ctx context.Context, run *Run) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE export_runs SET
			finished_at=$2, outcome=$3, job_url=$4, job_state=$5,
			file_count=$6, message_count=$7, error=$8
		WHERE id = $1`,
		run.ID, run.FinishedAt, run.Outcome, run.JobURL, run.JobState,
		run.FileCount, run.MessageCount, run.Error,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(r.conn.QueryRow(ctx, `SELECT `+runCols+` FROM export_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM export_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn.Query(ctx, `SELECT `+runCols+` FROM export_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Outcome,
		&run.JobURL, &run.JobState, &run.FileCount, &run.MessageCount, &run.Error)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
