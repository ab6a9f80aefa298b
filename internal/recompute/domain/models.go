package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type JobKind string

const (
	KindRankRecheck     JobKind = "rank_recheck"
	KindSaleCorrection  JobKind = "sale_correction"
	KindCommissionRetry JobKind = "commission_retry"
)

type JobStatus string

const (
	StatusQueued          JobStatus = "queued"
	StatusRunning         JobStatus = "running"
	StatusDone            JobStatus = "done"
	StatusFailedRetryable JobStatus = "failed_retryable"
	StatusFailedPermanent JobStatus = "failed_permanent"
)

// Job is one unit of scoped re-derivation. SubjectID is always the
// distributor whose derived state the job refreshes.
type Job struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	Kind        JobKind        `gorm:"type:text;not null" json:"kind"`
	SubjectID   snowflake.ID   `gorm:"not null;index" json:"subject_id"`
	DedupeKey   string         `gorm:"type:text;not null" json:"dedupe_key"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Status      JobStatus      `gorm:"type:text;not null" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"not null" json:"max_attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	NextRunAt   time.Time      `gorm:"not null" json:"next_run_at"`
	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	LockedBy    *string        `json:"locked_by,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "recompute_jobs" }

// SalePayload names the sale a commission job works on.
type SalePayload struct {
	SaleID          snowflake.ID `json:"sale_id"`
	PreviousAttempt int          `json:"previous_attempt,omitempty"`
}

type RunResult struct {
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Done      int `json:"done"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

type DrainResult struct {
	Dispatched int `json:"dispatched"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Enqueued   int `json:"enqueued"`
}
