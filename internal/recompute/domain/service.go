package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidKind      = errors.New("invalid_job_kind")
	ErrInvalidSubject   = errors.New("invalid_job_subject")
	ErrJobNotFound      = errors.New("recompute_job_not_found")
	ErrJobNotFailed     = errors.New("recompute_job_not_failed")
	ErrJobAlreadyQueued = errors.New("recompute_job_already_queued")
)

// EnqueueRequest schedules a job. DedupeKey defaults to kind:subject.
type EnqueueRequest struct {
	Kind      JobKind
	SubjectID snowflake.ID
	DedupeKey string
	Payload   any
	LastError string
}

type EnqueueResult struct {
	Job *Job
	// Coalesced is true when a queued job with the same key absorbed the
	// request.
	Coalesced bool
}

type RequeueResult struct {
	Job     *Job   `json:"job"`
	AuditID string `json:"audit_id"`
}

type Service interface {
	// Enqueue writes with db, normally the caller's transaction; nil uses
	// the service's own handle.
	Enqueue(ctx context.Context, db *gorm.DB, req EnqueueRequest) (*EnqueueResult, error)
	RunOnce(ctx context.Context) (RunResult, error)
	DrainOutbox(ctx context.Context) (DrainResult, error)
	InFlight(ctx context.Context, distributorIDs ...snowflake.ID) (bool, error)
	Get(ctx context.Context, id snowflake.ID) (*Job, error)
	ListOperatorQueue(ctx context.Context, limit int) ([]Job, error)
	RequeueJob(ctx context.Context, id snowflake.ID) (*RequeueResult, error)
	Backlog(ctx context.Context) (map[JobStatus]int64, error)
}

type Repository interface {
	// Insert skips the row when a queued job holds the same dedupe key.
	Insert(ctx context.Context, db *gorm.DB, job *Job) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	FindQueued(ctx context.Context, db *gorm.DB, dedupeKey string) (*Job, error)
	ListRunnable(ctx context.Context, db *gorm.DB, now time.Time, limit int, skipLocked bool) ([]snowflake.ID, error)
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, workerID string, now time.Time) (bool, error)
	Reclaim(ctx context.Context, db *gorm.DB, staleBefore, now time.Time) (int64, error)
	MarkDone(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, status JobStatus, nextRunAt time.Time, lastError string, now time.Time) error
	Requeue(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status JobStatus, limit int) ([]Job, error)
	CountOpenForSubjects(ctx context.Context, db *gorm.DB, subjectIDs []snowflake.ID) (int64, error)
	CountByStatus(ctx context.Context, db *gorm.DB) (map[JobStatus]int64, error)
}
