package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrSaleNotSettled   = errors.New("sale_not_settled")
	ErrInvalidAttempt   = errors.New("invalid_attempt")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)

type ListEntriesRequest struct {
	pagination.Pagination
	DistributorID snowflake.ID
	From          *time.Time
	To            *time.Time
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

type Service interface {
	// Process runs the pass for the sale's current status and attempt.
	Process(ctx context.Context, saleID snowflake.ID) (*Result, error)
	// ReverseAttempt offsets the credits of one attempt of a sale.
	ReverseAttempt(ctx context.Context, saleID snowflake.ID, attempt int) (*Result, error)
	// ApplyCorrection reverses previousAttempt and credits the sale's
	// current attempt over the stored chain.
	ApplyCorrection(ctx context.Context, saleID snowflake.ID, previousAttempt int) ([]*Result, error)

	SaleEntries(ctx context.Context, saleID snowflake.ID) ([]Entry, error)
	SaleGaps(ctx context.Context, saleID snowflake.ID) ([]Gap, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
	// Totals sums every entry and bonus earned by the distributor, per
	// currency.
	Totals(ctx context.Context, distributorID snowflake.ID, from, to *time.Time) ([]Total, error)

	// GrantRankBonuses pays the monthly bonus of every rank holder for the
	// closed month starting at period. Granting a period twice adds nothing.
	GrantRankBonuses(ctx context.Context, period time.Time) (BonusRunResult, error)
	ListBonuses(ctx context.Context, distributorID snowflake.ID) ([]Bonus, error)
	// Payable returns a credit entry or bonus with its approval history.
	Payable(ctx context.Context, itemID snowflake.ID) (*Payable, error)
	// Transition moves a payable one step along pending, approved, paid.
	Transition(ctx context.Context, req TransitionRequest) (*Payable, error)
}

type EntryCursor struct {
	ID         snowflake.ID
	ComputedAt time.Time
}

type EntryFilter struct {
	BeneficiaryID snowflake.ID
	From          *time.Time
	To            *time.Time
	Cursor        *EntryCursor
	Limit         int
}

type Repository interface {
	InsertRun(ctx context.Context, db *gorm.DB, run *Run) (bool, error)
	FindRun(ctx context.Context, db *gorm.DB, saleID snowflake.ID, status string, attempt int) (*Run, error)
	InsertEntries(ctx context.Context, db *gorm.DB, entries []Entry) error
	InsertGaps(ctx context.Context, db *gorm.DB, gaps []Gap) error
	ListSaleEntries(ctx context.Context, db *gorm.DB, saleID snowflake.ID) ([]Entry, error)
	ListAttemptEntries(ctx context.Context, db *gorm.DB, saleID snowflake.ID, attempt int, kind Kind) ([]Entry, error)
	ListSaleGaps(ctx context.Context, db *gorm.DB, saleID snowflake.ID) ([]Gap, error)
	ListEntries(ctx context.Context, db *gorm.DB, filter EntryFilter) ([]*Entry, error)
	SumByCurrency(ctx context.Context, db *gorm.DB, beneficiaryID snowflake.ID, from, to *time.Time) ([]Total, error)
	FindEntry(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entry, error)

	// InsertBonus skips the row when the distributor already has a bonus
	// for the period.
	InsertBonus(ctx context.Context, db *gorm.DB, bonus *Bonus) (bool, error)
	FindBonus(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bonus, error)
	ListBonuses(ctx context.Context, db *gorm.DB, distributorID snowflake.ID) ([]Bonus, error)
	SumBonuses(ctx context.Context, db *gorm.DB, distributorID snowflake.ID, from, to *time.Time) ([]Total, error)

	// InsertStatusChange skips the row when the item already reached the
	// status.
	InsertStatusChange(ctx context.Context, db *gorm.DB, change *StatusChange) (bool, error)
	ListStatusChanges(ctx context.Context, db *gorm.DB, itemID snowflake.ID) ([]StatusChange, error)
}
