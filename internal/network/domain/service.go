package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateRootRequest struct {
	Code string `json:"code" validate:"required,max=64"`
	Name string `json:"name" validate:"required,max=200"`
}

// EnrollRequest adds a node under ParentID. ChildID may name an existing
// node, which is rejected as a duplicate or a cycle.
type EnrollRequest struct {
	ChildID  snowflake.ID `json:"child_id,omitempty"`
	Code     string       `json:"code" validate:"required,max=64"`
	Name     string       `json:"name" validate:"required,max=200"`
	ParentID snowflake.ID `json:"parent_id" validate:"required"`
}

type ReparentRequest struct {
	ChildID     snowflake.ID `json:"child_id" validate:"required"`
	NewParentID snowflake.ID `json:"new_parent_id" validate:"required"`
	Reason      string       `json:"reason" validate:"max=500"`
}

type SetStatusRequest struct {
	ID     snowflake.ID `json:"id" validate:"required"`
	Status Status       `json:"status" validate:"required"`
	Reason string       `json:"reason" validate:"max=500"`
}

type MutationResult struct {
	Distributor *Distributor `json:"distributor"`
	AuditID     string       `json:"audit_id"`
}

type ReparentResult struct {
	Distributor *Distributor `json:"distributor"`
	Changed     bool         `json:"changed"`
	EdgeVersion int          `json:"edge_version"`
	AuditID     string       `json:"audit_id,omitempty"`
}

type Service interface {
	CreateRoot(ctx context.Context, req CreateRootRequest) (*MutationResult, error)
	Enroll(ctx context.Context, req EnrollRequest) (*MutationResult, error)
	Reparent(ctx context.Context, req ReparentRequest) (*ReparentResult, error)
	SetStatus(ctx context.Context, req SetStatusRequest) (*MutationResult, error)

	Get(ctx context.Context, id snowflake.ID) (*Distributor, error)
	GetMany(ctx context.Context, ids []snowflake.ID) (map[snowflake.ID]*Distributor, error)
	// Ancestors returns up to maxLevels ancestors of nodeID, parent first,
	// walked through the current tree.
	Ancestors(ctx context.Context, nodeID snowflake.ID, maxLevels int) ([]snowflake.ID, error)
	// AncestorsAt walks the edges that were valid at the given instant.
	AncestorsAt(ctx context.Context, nodeID snowflake.ID, at time.Time, maxLevels int) ([]snowflake.ID, error)
	DescendantCount(ctx context.Context, nodeID snowflake.ID, maxDepth int) (int, error)
	Descendants(ctx context.Context, nodeID snowflake.ID, maxDepth int) ([]Link, error)
	DirectCount(ctx context.Context, nodeID snowflake.ID) (int, error)
	Team(ctx context.Context, nodeID snowflake.ID, maxDepth int) (*TeamNode, error)
	EdgeHistory(ctx context.Context, nodeID snowflake.ID) ([]Edge, error)
	ListIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
	// UpdateRank swaps the stored rank from -> to using db, returning false
	// when the stored rank no longer equals from.
	UpdateRank(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string) (bool, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, d *Distributor) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Distributor, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Distributor, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Distributor, error)
	FindRoot(ctx context.Context, db *gorm.DB) (*Distributor, error)
	UpdateParent(ctx context.Context, db *gorm.DB, id snowflake.ID, parentID snowflake.ID, fromVersion, toVersion int, at time.Time) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, at time.Time) error
	UpdateRank(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, at time.Time) (bool, error)
	ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)

	InsertEdge(ctx context.Context, db *gorm.DB, e *Edge) error
	CloseEdge(ctx context.Context, db *gorm.DB, childID snowflake.ID, at time.Time) (int64, error)
	ListEdges(ctx context.Context, db *gorm.DB, childID snowflake.ID) ([]Edge, error)

	// Chain walks parent links upward from id, the node itself at depth 0.
	Chain(ctx context.Context, db *gorm.DB, id snowflake.ID, maxLevels int) ([]Link, error)
	// ChainAt walks edges valid at the instant; depth 1 is the parent.
	ChainAt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, maxLevels int) ([]Link, error)
	Subtree(ctx context.Context, db *gorm.DB, id snowflake.ID, maxDepth int) ([]Link, error)
	CountChildren(ctx context.Context, db *gorm.DB, id snowflake.ID) (int, error)
}
