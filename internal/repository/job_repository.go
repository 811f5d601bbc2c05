package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/persobi-video-bot/internal/models"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	const query = `
INSERT INTO jobs (user_id, kind, prompt, src_path, preview_path, duration, sound, seed)
VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`
	sound := 0
	if job.Sound {
		sound = 1
	}
	res, err := r.db.ExecContext(ctx, query, job.UserID, job.Kind, job.Prompt, job.SrcPath, job.PreviewPath, job.Duration, sound, job.Seed)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job last insert id: %w", err)
	}
	job.ID = id
	return job, nil
}

// LastForUser returns the most recent job or nil when the user has none.
func (r *JobRepository) LastForUser(ctx context.Context, userID int64) (*models.Job, error) {
	const query = `
SELECT id, user_id, kind, COALESCE(prompt, ''), COALESCE(src_path, ''), COALESCE(preview_path, ''), duration, sound, seed, created_at
FROM jobs WHERE user_id = ?
ORDER BY id DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, userID)
	var job models.Job
	var sound int
	if err := row.Scan(&job.ID, &job.UserID, &job.Kind, &job.Prompt, &job.SrcPath, &job.PreviewPath, &job.Duration, &sound, &job.Seed, &job.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan last job: %w", err)
	}
	job.Sound = sound != 0
	return &job, nil
}
