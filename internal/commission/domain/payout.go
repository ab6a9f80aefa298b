package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrPayableNotFound   = errors.New("payable_not_found")
	ErrNotPayable        = errors.New("not_payable")
	ErrInvalidTransition = errors.New("invalid_payout_transition")
	ErrInvalidPeriod     = errors.New("invalid_bonus_period")
)

// PayoutStatus is the approval state of a credit or bonus. Items without a
// recorded change are pending.
type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutApproved PayoutStatus = "approved"
	PayoutPaid     PayoutStatus = "paid"
)

// next is the only status reachable from s.
func (s PayoutStatus) next() PayoutStatus {
	switch s {
	case PayoutPending:
		return PayoutApproved
	case PayoutApproved:
		return PayoutPaid
	default:
		return ""
	}
}

// CanMoveTo reports whether to directly follows s.
func (s PayoutStatus) CanMoveTo(to PayoutStatus) bool {
	return to != "" && s.next() == to
}

type PayableKind string

const (
	PayableEntry PayableKind = "entry"
	PayableBonus PayableKind = "bonus"
)

// Bonus is the monthly rank bonus of one distributor for one period, the
// calendar month starting at Period.
type Bonus struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	DistributorID snowflake.ID `gorm:"not null" json:"distributor_id"`
	Period        time.Time    `gorm:"not null" json:"period"`
	Rank          string       `gorm:"type:text;not null" json:"rank"`
	Amount        int64        `gorm:"not null" json:"amount"`
	Currency      string       `gorm:"type:text;not null" json:"currency"`
	PolicyVersion string       `gorm:"type:text;not null" json:"policy_version"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

func (Bonus) TableName() string { return "rank_bonuses" }

// StatusChange is one append-only step of a payable's approval history.
type StatusChange struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	ItemID    snowflake.ID `gorm:"not null" json:"item_id"`
	ItemKind  PayableKind  `gorm:"type:text;not null" json:"item_kind"`
	Status    PayoutStatus `gorm:"type:text;not null" json:"status"`
	ActorID   string       `gorm:"type:text" json:"actor_id,omitempty"`
	Note      string       `gorm:"type:text" json:"note,omitempty"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (StatusChange) TableName() string { return "payout_status_changes" }

// Payable is a credit entry or bonus with its current approval state.
type Payable struct {
	ID            snowflake.ID   `json:"id"`
	Kind          PayableKind    `json:"kind"`
	BeneficiaryID snowflake.ID   `json:"beneficiary_id"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Status        PayoutStatus   `json:"status"`
	History       []StatusChange `json:"history"`
	AuditID       string         `json:"-"`
}

type TransitionRequest struct {
	ItemID snowflake.ID
	To     PayoutStatus
	Note   string
}

type BonusRunResult struct {
	Period    time.Time `json:"period"`
	Evaluated int       `json:"evaluated"`
	Granted   int       `json:"granted"`
	Existing  int       `json:"existing"`
}

// PeriodOf returns the first instant of t's calendar month in UTC.
func PeriodOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
