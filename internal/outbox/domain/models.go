package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusDispatched EventStatus = "dispatched"
	EventStatusFailed     EventStatus = "failed"
)

const (
	TopicSaleCompleted     = "sale.completed"
	TopicSaleReversed      = "sale.reversed"
	TopicSaleCorrected     = "sale.corrected"
	TopicNetworkEnrolled   = "network.enrolled"
	TopicNetworkReparented = "network.reparented"
)

// Event is a change notification written in the same transaction as the
// mutation it announces. SubjectID is the distributor whose derived state
// the event affects.
type Event struct {
	ID           snowflake.ID   `gorm:"primaryKey" json:"id"`
	Topic        string         `gorm:"type:text;not null" json:"topic"`
	SubjectID    snowflake.ID   `gorm:"not null;index" json:"subject_id"`
	Payload      datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Status       EventStatus    `gorm:"type:text;not null" json:"status"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`
	LastError    *string        `json:"last_error,omitempty"`
	AvailableAt  time.Time      `gorm:"not null" json:"available_at"`
	LockedUntil  *time.Time     `json:"-"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
}

func (Event) TableName() string { return "outbox_events" }
