package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ConflictError reports that the stored rank moved while an evaluation was
// running. Evaluating again resolves it.
type ConflictError struct {
	DistributorID snowflake.ID
}

func (e *ConflictError) Error() string {
	return "rank of " + e.DistributorID.String() + " changed during evaluation"
}

func (e *ConflictError) Retryable() bool { return true }

var ErrInvalidSweep = errors.New("invalid_sweep")

type Service interface {
	// Evaluate derives the rank from volume over the trailing window and
	// appends a record when it differs from the stored rank.
	Evaluate(ctx context.Context, distributorID snowflake.ID) (*Evaluation, error)
	// RankAt returns the rank in force at t, the lowest tier when the
	// distributor has no record yet.
	RankAt(ctx context.Context, distributorID snowflake.ID, at time.Time) (string, error)
	History(ctx context.Context, distributorID snowflake.ID) ([]Record, error)
	// Sweep evaluates up to limit distributors after afterID in id order.
	Sweep(ctx context.Context, afterID snowflake.ID, limit int) (SweepResult, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, r *Record) error
	LatestAt(ctx context.Context, db *gorm.DB, distributorID snowflake.ID, at time.Time) (*Record, error)
	List(ctx context.Context, db *gorm.DB, distributorID snowflake.ID) ([]Record, error)
}
