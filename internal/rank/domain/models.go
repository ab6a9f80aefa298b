package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Record is an append-only rank change. The inputs that produced the rank
// are kept so a change can be explained later.
type Record struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	DistributorID  snowflake.ID `gorm:"not null;index" json:"distributor_id"`
	PreviousRank   string       `gorm:"type:text;not null" json:"previous_rank"`
	Rank           string       `gorm:"type:text;not null" json:"rank"`
	PersonalVolume int64        `gorm:"not null" json:"personal_volume"`
	TeamVolume     int64        `gorm:"not null" json:"team_volume"`
	TeamSize       int          `gorm:"not null" json:"team_size"`
	DirectCount    int          `gorm:"not null" json:"direct_count"`
	PolicyVersion  string       `gorm:"type:text;not null" json:"policy_version"`
	EffectiveFrom  time.Time    `gorm:"not null" json:"effective_from"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

func (Record) TableName() string { return "rank_records" }

type Evaluation struct {
	DistributorID  snowflake.ID `json:"distributor_id"`
	PreviousRank   string       `json:"previous_rank"`
	Rank           string       `json:"rank"`
	Changed        bool         `json:"changed"`
	PersonalVolume int64        `json:"personal_volume"`
	TeamVolume     int64        `json:"team_volume"`
	TeamSize       int          `json:"team_size"`
	DirectCount    int          `json:"direct_count"`
	PolicyVersion  string       `json:"policy_version"`
	EvaluatedAt    time.Time    `json:"evaluated_at"`
	Record         *Record      `json:"record,omitempty"`
}

type SweepResult struct {
	Evaluated int
	Changed   int
	NextID    snowflake.ID
	Done      bool
}
