package repository

import (
	"context"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/outbox/domain"
	"gorm.io/gorm"
)

// subjectChunk keeps IN lists under the SQLite bound variable limit.
const subjectChunk = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (
			id, topic, subject_id, payload, status, attempts, available_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Topic,
		event.SubjectID,
		event.Payload,
		event.Status,
		event.Attempts,
		event.AvailableAt,
		event.CreatedAt,
	).Error
}

func (r *repo) ListClaimable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT id, topic, subject_id, payload, status, attempts, last_error,
		        available_at, locked_until, created_at, dispatched_at
		 FROM outbox_events
		 WHERE (status = ? AND available_at <= ?)
		    OR (status = ? AND locked_until < ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.EventStatusPending, now,
		domain.EventStatusProcessing, now,
		limit,
	).Scan(&events).Error
	return events, err
}

// Claim leases one event; a false result means another dispatcher owns it.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time, lockedUntil time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, locked_until = ?, attempts = attempts + 1
		 WHERE id = ?
		   AND ((status = ? AND available_at <= ?) OR (status = ? AND locked_until < ?))`,
		domain.EventStatusProcessing, lockedUntil,
		id,
		domain.EventStatusPending, now,
		domain.EventStatusProcessing, now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, dispatched_at = ?, locked_until = NULL, last_error = NULL
		 WHERE id = ?`,
		domain.EventStatusDispatched, at, id,
	).Error
}

func (r *repo) MarkRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, availableAt time.Time, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, available_at = ?, locked_until = NULL, last_error = ?
		 WHERE id = ?`,
		domain.EventStatusPending, availableAt, lastError, id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, locked_until = NULL, last_error = ?
		 WHERE id = ?`,
		domain.EventStatusFailed, lastError, id,
	).Error
}

func (r *repo) CountOpenForSubjects(ctx context.Context, db *gorm.DB, subjectIDs []snowflake.ID) (int64, error) {
	var total int64
	for chunk := range slices.Chunk(subjectIDs, subjectChunk) {
		var count int64
		err := db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM outbox_events
			 WHERE subject_id IN ? AND status IN (?, ?)`,
			chunk, domain.EventStatusPending, domain.EventStatusProcessing,
		).Scan(&count).Error
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.EventStatus, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT id, topic, subject_id, payload, status, attempts, last_error,
		        available_at, locked_until, created_at, dispatched_at
		 FROM outbox_events
		 WHERE status = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		status, limit,
	).Scan(&events).Error
	return events, err
}

func (r *repo) Requeue(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, attempts = 0, available_at = ?, last_error = NULL
		 WHERE id = ? AND status = ?`,
		domain.EventStatusPending, at, id, domain.EventStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
