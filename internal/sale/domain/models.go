package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusReversed  Status = "reversed"
)

type EventType string

const (
	EventCreated   EventType = "created"
	EventCompleted EventType = "completed"
	EventReversed  EventType = "reversed"
)

// Sale is an order attributed to a distributor. Chain holds the commission
// chain (owner first) captured on the first credit pass; every later pass
// for the sale reuses it.
type Sale struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	ExternalID     string         `gorm:"type:text;not null;uniqueIndex" json:"external_id"`
	DistributorID  snowflake.ID   `gorm:"not null;index" json:"distributor_id"`
	Amount         int64          `gorm:"not null" json:"amount"`
	Currency       string         `gorm:"type:text;not null" json:"currency"`
	Status         Status         `gorm:"type:text;not null" json:"status"`
	AttemptVersion int            `gorm:"not null" json:"attempt_version"`
	Chain          datatypes.JSON `gorm:"type:jsonb" json:"chain,omitempty"`
	OccurredAt     time.Time      `gorm:"not null" json:"occurred_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ReversedAt     *time.Time     `json:"reversed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Sale) TableName() string { return "sales" }

// ChainIDs decodes the stored chain snapshot. ok is false when no snapshot
// has been taken yet.
func (s Sale) ChainIDs() (ids []snowflake.ID, ok bool, err error) {
	raw := string(s.Chain)
	if raw == "" || raw == "null" {
		return nil, false, nil
	}
	if err := json.Unmarshal(s.Chain, &ids); err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

// Correction records a retroactive amount change.
type Correction struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	SaleID          snowflake.ID `gorm:"not null;index" json:"sale_id"`
	PreviousAmount  int64        `gorm:"not null" json:"previous_amount"`
	NewAmount       int64        `gorm:"not null" json:"new_amount"`
	PreviousAttempt int          `gorm:"not null" json:"previous_attempt"`
	NewAttempt      int          `gorm:"not null" json:"new_attempt"`
	Reason          string       `gorm:"type:text" json:"reason"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (Correction) TableName() string { return "sale_corrections" }

// Transition is the outbox payload for sale lifecycle events.
type Transition struct {
	SaleID          snowflake.ID `json:"sale_id"`
	DistributorID   snowflake.ID `json:"distributor_id"`
	Status          Status       `json:"status"`
	AttemptVersion  int          `json:"attempt_version"`
	PreviousAttempt int          `json:"previous_attempt,omitempty"`
	At              time.Time    `json:"at"`
}
