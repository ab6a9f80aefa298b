package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	default:
		return false
	}
}

// Distributor is a node of the enrollment tree. ParentID is nil only for
// the root.
type Distributor struct {
	ID          snowflake.ID  `gorm:"primaryKey" json:"id"`
	Code        string        `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name        string        `gorm:"type:text;not null" json:"name"`
	ParentID    *snowflake.ID `gorm:"index" json:"parent_id,omitempty"`
	EdgeVersion int           `gorm:"not null" json:"edge_version"`
	Status      Status        `gorm:"type:text;not null" json:"status"`
	Rank        string        `gorm:"type:text;not null" json:"rank"`
	EnrolledAt  time.Time     `gorm:"not null" json:"enrolled_at"`
	CreatedAt   time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"not null" json:"updated_at"`
}

func (Distributor) TableName() string { return "distributors" }

func (d Distributor) IsRoot() bool { return d.ParentID == nil }

// Edge is one version of a child's link to its parent. Path is the ancestor
// chain (parent first, root last) when the edge was opened.
type Edge struct {
	ID        snowflake.ID                      `gorm:"primaryKey" json:"id"`
	ChildID   snowflake.ID                      `gorm:"not null" json:"child_id"`
	ParentID  snowflake.ID                      `gorm:"not null" json:"parent_id"`
	Version   int                               `gorm:"not null" json:"version"`
	Path      datatypes.JSONSlice[snowflake.ID] `gorm:"type:jsonb;not null" json:"path"`
	ValidFrom time.Time                         `gorm:"not null" json:"valid_from"`
	ValidTo   *time.Time                        `json:"valid_to,omitempty"`
	CreatedAt time.Time                         `gorm:"not null" json:"created_at"`
}

func (Edge) TableName() string { return "enrollment_edges" }

// Link is one row of a chain or subtree walk.
type Link struct {
	ID       snowflake.ID  `json:"id"`
	ParentID *snowflake.ID `json:"parent_id,omitempty"`
	Depth    int           `json:"depth"`
}

// TeamNode is a subtree snapshot for visualization.
type TeamNode struct {
	ID       snowflake.ID `json:"id"`
	Code     string       `json:"code"`
	Name     string       `json:"name"`
	Rank     string       `json:"rank"`
	Status   Status       `json:"status"`
	Depth    int          `json:"depth"`
	Children []*TeamNode  `json:"children"`
}

// EnrolledEvent is published when a node joins the tree.
type EnrolledEvent struct {
	ChildID  snowflake.ID   `json:"child_id"`
	ParentID snowflake.ID   `json:"parent_id"`
	Chain    []snowflake.ID `json:"chain"`
	At       time.Time      `json:"at"`
}

// ReparentEvent is published when a node moves under a new parent. Chains
// list ancestors parent first.
type ReparentEvent struct {
	ChildID     snowflake.ID   `json:"child_id"`
	OldParentID snowflake.ID   `json:"old_parent_id"`
	NewParentID snowflake.ID   `json:"new_parent_id"`
	OldChain    []snowflake.ID `json:"old_chain"`
	NewChain    []snowflake.ID `json:"new_chain"`
	EdgeVersion int            `json:"edge_version"`
	At          time.Time      `json:"at"`
}
