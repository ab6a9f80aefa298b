package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Handler consumes one event. Returning an error schedules a retry.
type Handler func(ctx context.Context, event Event) error

type DispatchResult struct {
	Claimed    int
	Dispatched int
	Retried    int
	Failed     int
}

type Service interface {
	// Publish appends an event using db, normally the caller's transaction.
	Publish(ctx context.Context, db *gorm.DB, topic string, subjectID snowflake.ID, payload any) (snowflake.ID, error)
	Dispatch(ctx context.Context, limit int, handler Handler) (DispatchResult, error)
	HasPending(ctx context.Context, subjectIDs ...snowflake.ID) (bool, error)
	ListFailed(ctx context.Context, limit int) ([]Event, error)
	Requeue(ctx context.Context, id snowflake.ID) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	ListClaimable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Event, error)
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time, lockedUntil time.Time) (bool, error)
	MarkDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, availableAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error
	CountOpenForSubjects(ctx context.Context, db *gorm.DB, subjectIDs []snowflake.ID) (int64, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status EventStatus, limit int) ([]Event, error)
	Requeue(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
}

var (
	ErrInvalidTopic  = errors.New("invalid_topic")
	ErrEventNotFound = errors.New("outbox_event_not_found")
)
