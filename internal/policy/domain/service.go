package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PolicyVersion is a persisted, immutable policy document.
type PolicyVersion struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	Version       string         `gorm:"type:text;not null;uniqueIndex" json:"version"`
	EffectiveFrom time.Time      `gorm:"not null" json:"effective_from"`
	Document      datatypes.JSON `gorm:"type:jsonb;not null" json:"document"`
	Checksum      string         `gorm:"type:text;not null" json:"checksum"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
}

func (PolicyVersion) TableName() string { return "policy_versions" }

type Service interface {
	// Current returns the newest loaded version.
	Current() *Policy
	// At returns the version in force at t.
	At(ctx context.Context, t time.Time) (*Policy, error)
	// Version returns a specific version by name.
	Version(ctx context.Context, version string) (*Policy, error)
	// Publish validates and persists doc. Republishing an identical document
	// is a no-op; a different document under an existing version fails.
	Publish(ctx context.Context, doc Document) (*Policy, error)
	// PublishYAML parses a YAML document and publishes it.
	PublishYAML(ctx context.Context, raw []byte) (*Policy, error)
	List(ctx context.Context) ([]PolicyVersion, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, v *PolicyVersion) (bool, error)
	FindByVersion(ctx context.Context, db *gorm.DB, version string) (*PolicyVersion, error)
	FindEffectiveAt(ctx context.Context, db *gorm.DB, at time.Time) (*PolicyVersion, error)
	FindEarliest(ctx context.Context, db *gorm.DB) (*PolicyVersion, error)
	List(ctx context.Context, db *gorm.DB) ([]PolicyVersion, error)
}
