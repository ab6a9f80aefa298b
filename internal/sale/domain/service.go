package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrSaleNotFound        = errors.New("sale_not_found")
	ErrUnknownDistributor  = errors.New("unknown_distributor")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrNoChange            = errors.New("no_change")
	ErrConcurrentUpdate    = errors.New("concurrent_sale_update")
	ErrDistributorMismatch = errors.New("distributor_mismatch")
	ErrAmountMismatch      = errors.New("amount_mismatch")
)

// Event is a lifecycle notification from the order system.
type Event struct {
	ExternalID    string       `json:"external_id" validate:"required,max=128"`
	Type          EventType    `json:"type" validate:"required,oneof=created completed reversed"`
	DistributorID snowflake.ID `json:"distributor_id"`
	Amount        int64        `json:"amount" validate:"gte=0"`
	Currency      string       `json:"currency" validate:"omitempty,len=3,alpha"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

type EventResult struct {
	Sale *Sale `json:"sale"`
	// Applied is false when the event repeated a transition already made.
	Applied bool `json:"applied"`
}

type CorrectRequest struct {
	SaleID    snowflake.ID `json:"sale_id" validate:"required"`
	NewAmount int64        `json:"new_amount" validate:"gt=0"`
	Reason    string       `json:"reason" validate:"max=500"`
}

type CorrectResult struct {
	Sale       *Sale       `json:"sale"`
	Correction *Correction `json:"correction"`
	AuditID    string      `json:"audit_id"`
}

type Service interface {
	HandleEvent(ctx context.Context, ev Event) (*EventResult, error)
	Correct(ctx context.Context, req CorrectRequest) (*CorrectResult, error)
	Get(ctx context.Context, id snowflake.ID) (*Sale, error)
	GetByExternalID(ctx context.Context, externalID string) (*Sale, error)
	Corrections(ctx context.Context, saleID snowflake.ID) ([]Correction, error)
	// SnapshotChain stores chain on the sale unless one is already stored,
	// and returns the chain in effect.
	SnapshotChain(ctx context.Context, db *gorm.DB, saleID snowflake.ID, chain []snowflake.ID) ([]snowflake.ID, error)
	// PersonalVolume sums completed sales owned by distributorID whose
	// completion falls in [from, to).
	PersonalVolume(ctx context.Context, distributorID snowflake.ID, from, to time.Time) (int64, error)
	// TeamVolume sums completed sales across ids in [from, to).
	TeamVolume(ctx context.Context, ids []snowflake.ID, from, to time.Time) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sale *Sale) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Sale, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Sale, error)
	// Complete settles the sale at amount, the final checkout total.
	Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, amount int64, at time.Time) (bool, error)
	Reverse(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, at time.Time) (bool, error)
	UpdateAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, fromAttempt, toAttempt int, at time.Time) (bool, error)
	SetChain(ctx context.Context, db *gorm.DB, id snowflake.ID, chain []byte) (bool, error)
	InsertCorrection(ctx context.Context, db *gorm.DB, c *Correction) error
	ListCorrections(ctx context.Context, db *gorm.DB, saleID snowflake.ID) ([]Correction, error)
	SumCompleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID, from, to time.Time) (int64, error)
}
