package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindCredit   Kind = "credit"
	KindReversal Kind = "reversal"
)

// Run statuses mirror the sale status that triggered the pass.
const (
	RunCredit   = "completed"
	RunReversal = "reversed"
)

const (
	OutcomeApplied    = "applied"
	OutcomeDuplicate  = "duplicate"
	OutcomeSuperseded = "superseded"
	OutcomeParked     = "parked"
)

// Entry is one append-only ledger line. Reversals carry the negated amount
// of the credit they offset.
type Entry struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	RunID          snowflake.ID `gorm:"not null" json:"run_id"`
	SaleID         snowflake.ID `gorm:"not null" json:"sale_id"`
	BeneficiaryID  snowflake.ID `gorm:"not null;index" json:"beneficiary_id"`
	Level          int          `gorm:"not null" json:"level"`
	Rank           string       `gorm:"type:text;not null" json:"rank"`
	Percent        string       `gorm:"type:text;not null" json:"percent"`
	BaseAmount     int64        `gorm:"not null" json:"base_amount"`
	Amount         int64        `gorm:"not null" json:"amount"`
	Currency       string       `gorm:"type:text;not null" json:"currency"`
	Kind           Kind         `gorm:"type:text;not null" json:"kind"`
	AttemptVersion int          `gorm:"not null" json:"attempt_version"`
	PolicyVersion  string       `gorm:"type:text;not null" json:"policy_version"`
	ComputedAt     time.Time    `gorm:"not null" json:"computed_at"`
}

func (Entry) TableName() string { return "commission_entries" }

// Run is the idempotency record of one pass, keyed by
// (sale_id, sale_status, attempt_version).
type Run struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SaleID         snowflake.ID `gorm:"not null" json:"sale_id"`
	SaleStatus     string       `gorm:"type:text;not null" json:"sale_status"`
	AttemptVersion int          `gorm:"not null" json:"attempt_version"`
	Outcome        string       `gorm:"type:text;not null" json:"outcome"`
	EntryCount     int          `gorm:"not null" json:"entry_count"`
	GapCount       int          `gorm:"not null" json:"gap_count"`
	PolicyVersion  string       `gorm:"type:text;not null" json:"policy_version"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

func (Run) TableName() string { return "commission_runs" }

// Gap records a level that had no configured percentage.
type Gap struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SaleID         snowflake.ID `gorm:"not null" json:"sale_id"`
	BeneficiaryID  snowflake.ID `gorm:"not null" json:"beneficiary_id"`
	Level          int          `gorm:"not null" json:"level"`
	Rank           string       `gorm:"type:text;not null" json:"rank"`
	AttemptVersion int          `gorm:"not null" json:"attempt_version"`
	PolicyVersion  string       `gorm:"type:text;not null" json:"policy_version"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

func (Gap) TableName() string { return "policy_gaps" }

type Result struct {
	Run     *Run    `json:"run"`
	Entries []Entry `json:"entries"`
	Gaps    []Gap   `json:"gaps,omitempty"`
	// Duplicate is true when the pass had already been made.
	Duplicate bool `json:"duplicate"`
}

// Total is a signed sum of entries in one currency.
type Total struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}
