package repository

import (
	"context"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/recompute/domain"
	"gorm.io/gorm"
)

// subjectChunk keeps IN lists under the SQLite bound variable limit.
const subjectChunk = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const jobColumns = `id, kind, subject_id, dedupe_key, payload, status, attempts, max_attempts, last_error,
	next_run_at, locked_at, locked_by, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *domain.Job) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO recompute_jobs (
			id, kind, subject_id, dedupe_key, payload, status, attempts, max_attempts,
			last_error, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) WHERE status = 'queued' DO NOTHING`,
		job.ID,
		job.Kind,
		job.SubjectID,
		job.DedupeKey,
		job.Payload,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.LastError,
		job.NextRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM recompute_jobs WHERE id = ? LIMIT 1`,
		id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) FindQueued(ctx context.Context, db *gorm.DB, dedupeKey string) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+`
		 FROM recompute_jobs
		 WHERE dedupe_key = ? AND status = ?
		 LIMIT 1`,
		dedupeKey, domain.StatusQueued,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

// ListRunnable returns due job ids oldest first. With skipLocked the rows
// stay locked for the caller's transaction.
func (r *repo) ListRunnable(ctx context.Context, db *gorm.DB, now time.Time, limit int, skipLocked bool) ([]snowflake.ID, error) {
	query := `SELECT id
		 FROM recompute_jobs
		 WHERE status IN (?, ?) AND next_run_at <= ?
		 ORDER BY next_run_at ASC, id ASC
		 LIMIT ?`
	if skipLocked {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	var rows []struct{ ID snowflake.ID }
	err := db.WithContext(ctx).Raw(query,
		domain.StatusQueued, domain.StatusFailedRetryable, now, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// Claim moves a runnable job to running. A false result means another
// worker took it first.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, workerID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recompute_jobs
		 SET status = ?, attempts = attempts + 1, locked_at = ?, locked_by = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?) AND next_run_at <= ?`,
		domain.StatusRunning, now, workerID, now,
		id, domain.StatusQueued, domain.StatusFailedRetryable, now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Reclaim hands running jobs whose lease expired back to the retry path.
func (r *repo) Reclaim(ctx context.Context, db *gorm.DB, staleBefore, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recompute_jobs
		 SET status = ?, next_run_at = ?, locked_at = NULL, locked_by = NULL,
		     last_error = 'lease expired', updated_at = ?
		 WHERE status = ? AND locked_at < ?`,
		domain.StatusFailedRetryable, now, now,
		domain.StatusRunning, staleBefore,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkDone(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE recompute_jobs
		 SET status = ?, locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = ?
		 WHERE id = ?`,
		domain.StatusDone, now, id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.JobStatus, nextRunAt time.Time, lastError string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE recompute_jobs
		 SET status = ?, next_run_at = ?, last_error = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ?`,
		status, nextRunAt, lastError, now, id,
	).Error
}

func (r *repo) Requeue(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recompute_jobs
		 SET status = ?, attempts = 0, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusQueued, now, now, id, domain.StatusFailedPermanent,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.JobStatus, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+`
		 FROM recompute_jobs
		 WHERE status = ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ?`,
		status, limit,
	).Scan(&jobs).Error
	return jobs, err
}

func (r *repo) CountOpenForSubjects(ctx context.Context, db *gorm.DB, subjectIDs []snowflake.ID) (int64, error) {
	var total int64
	for chunk := range slices.Chunk(subjectIDs, subjectChunk) {
		var count int64
		err := db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM recompute_jobs
			 WHERE subject_id IN ? AND status IN (?, ?, ?)`,
			chunk, domain.StatusQueued, domain.StatusRunning, domain.StatusFailedRetryable,
		).Scan(&count).Error
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB) (map[domain.JobStatus]int64, error) {
	var rows []struct {
		Status domain.JobStatus
		Total  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(1) AS total FROM recompute_jobs GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
