package storage

import (
	"context"
	"fmt"

	"pagewise/internal/models"
	"pagewise/internal/util"
)

type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobColumns = `job_id, user_id, document_id, stage, percent, COALESCE(error,''), degraded, created_at, updated_at`

func (r *JobRepo) CreateJob(ctx context.Context, j models.IngestionJob) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO jobs (job_id, user_id, document_id, stage, percent, error, degraded, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9)`,
		j.JobID, j.UserID, j.DocumentID, j.Stage, j.Percent, j.Error, j.Degraded, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob never lowers percent.
func (r *JobRepo) UpdateJob(ctx context.Context, j models.IngestionJob) error {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE jobs SET stage=$2, percent=GREATEST(percent, $3), error=NULLIF($4,''), degraded=$5, updated_at=$6
WHERE job_id=$1`,
		j.JobID, j.Stage, j.Percent, j.Error, j.Degraded, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", j.JobID, util.ErrNotFound)
	}
	return nil
}

func (r *JobRepo) GetJob(ctx context.Context, userID, jobID string) (models.IngestionJob, error) {
	var j models.IngestionJob
	err := r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id=$1 AND job_id=$2`, userID, jobID).
		Scan(&j.JobID, &j.UserID, &j.DocumentID, &j.Stage, &j.Percent, &j.Error, &j.Degraded, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return models.IngestionJob{}, notFound(err, "get job")
	}
	return j, nil
}

func (r *JobRepo) LatestJob(ctx context.Context, documentID string) (models.IngestionJob, error) {
	var j models.IngestionJob
	err := r.db.Pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE document_id=$1
ORDER BY created_at DESC, job_id DESC
LIMIT 1`, documentID).
		Scan(&j.JobID, &j.UserID, &j.DocumentID, &j.Stage, &j.Percent, &j.Error, &j.Degraded, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return models.IngestionJob{}, notFound(err, "latest job")
	}
	return j, nil
}
