package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"renderd/internal/httpkit"
	"renderd/internal/models"
	"renderd/internal/pkg/errors"
)

// JobSchema creates the render_jobs table when missing.
const JobSchema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	seconds     DOUBLE PRECISION NOT NULL,
	provider    TEXT,
	object_key  TEXT,
	file_size   BIGINT,
	error_code  TEXT,
	error_text  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
)`

type JobRepository struct {
	db *pgxpool.Pool
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, JobSchema); err != nil {
		return errors.Wrap(err, "jobs.schema", "failed to create render_jobs table")
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, j *models.RenderJob) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO render_jobs (id, status, seconds)
		VALUES ($1,$2,$3)
		RETURNING created_at
	`, j.ID, string(j.Status), j.Seconds).Scan(&j.CreatedAt)
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return errors.Validation("job id already exists")
		}
		if httpkit.IsUndefinedTable(err) {
			return errors.Unavailable("job store")
		}
		return errors.Wrap(err, "jobs.create", "failed to insert job")
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.RenderJob, error) {
	var (
		j                               models.RenderJob
		status                          string
		provider, objectKey, code, text *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, status, seconds, provider, object_key, file_size,
		       error_code, error_text, created_at, started_at, finished_at
		FROM render_jobs
		WHERE id=$1
	`, id).Scan(
		&j.ID,
		&status,
		&j.Seconds,
		&provider,
		&objectKey,
		&j.FileSize,
		&code,
		&text,
		&j.CreatedAt,
		&j.StartedAt,
		&j.FinishedAt,
	)
	if err != nil {
		if httpkit.IsNoRows(err) {
			return nil, errors.NotFound("job", id)
		}
		return nil, errors.Wrap(err, "jobs.get", "failed to load job")
	}

	j.Status = models.JobStatus(status)
	j.Provider = deref(provider)
	j.ObjectKey = deref(objectKey)
	j.ErrorCode = deref(code)
	j.ErrorText = deref(text)
	return &j, nil
}

func (r *JobRepository) MarkRunning(ctx context.Context, id string) error {
	return r.update(ctx, "jobs.running", id,
		`UPDATE render_jobs SET status='RUNNING', started_at=NOW(), finished_at=NULL, error_code=NULL, error_text=NULL WHERE id=$1`,
		id,
	)
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id, provider, objectKey string, size int64) error {
	return r.update(ctx, "jobs.completed", id,
		`UPDATE render_jobs SET status='COMPLETED', finished_at=NOW(), provider=$2, object_key=$3, file_size=$4 WHERE id=$1`,
		id, provider, objectKey, size,
	)
}

func (r *JobRepository) MarkFailed(ctx context.Context, id, code, text string) error {
	return r.update(ctx, "jobs.failed", id,
		`UPDATE render_jobs SET status='FAILED', finished_at=NOW(), error_code=$2, error_text=$3 WHERE id=$1`,
		id, code, text,
	)
}

func (r *JobRepository) update(ctx context.Context, op, id, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrap(err, op, "failed to update job")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
