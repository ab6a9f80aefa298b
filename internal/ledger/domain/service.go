package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	rankdomain "github.com/smallbiznis/uplink/internal/rank/domain"
)

var (
	ErrInvalidDistributor = errors.New("invalid_distributor")
	ErrInvalidTimeRange   = errors.New("invalid_time_range")
	ErrStatementTooLarge  = errors.New("statement_too_large")
)

// Summary is the dashboard view of one distributor. Volumes cover the
// policy's qualification window ending at AsOf.
type Summary struct {
	DistributorID  snowflake.ID             `json:"distributor_id"`
	Code           string                   `json:"code"`
	Name           string                   `json:"name"`
	Status         networkdomain.Status     `json:"status"`
	Rank           string                   `json:"rank"`
	ParentID       *snowflake.ID            `json:"parent_id,omitempty"`
	PersonalVolume int64                    `json:"personal_volume"`
	TeamVolume     int64                    `json:"team_volume"`
	TeamSize       int                      `json:"team_size"`
	DirectCount    int                      `json:"direct_count"`
	WindowStart    time.Time                `json:"window_start"`
	LifetimeTotals []commissiondomain.Total `json:"lifetime_commission"`
	PolicyVersion  string                   `json:"policy_version"`
	// Pending is true while an event or job for the distributor or anyone
	// in its team or commission depth is still being processed.
	Pending bool      `json:"pending"`
	AsOf    time.Time `json:"as_of"`
}

type StatementRequest struct {
	DistributorID snowflake.ID
	From          *time.Time
	To            *time.Time
}

// Statement holds every entry of a period for rendering.
type Statement struct {
	Distributor *networkdomain.Distributor `json:"distributor"`
	From        *time.Time                 `json:"from,omitempty"`
	To          *time.Time                 `json:"to,omitempty"`
	Entries     []commissiondomain.Entry   `json:"entries"`
	Totals      []commissiondomain.Total   `json:"totals"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

type Service interface {
	Summary(ctx context.Context, distributorID snowflake.ID) (*Summary, error)
	Commissions(ctx context.Context, req commissiondomain.ListEntriesRequest) (commissiondomain.ListEntriesResponse, error)
	Team(ctx context.Context, distributorID snowflake.ID, maxDepth int) (*networkdomain.TeamNode, error)
	Ranks(ctx context.Context, distributorID snowflake.ID) ([]rankdomain.Record, error)
	Statement(ctx context.Context, req StatementRequest) (*Statement, error)
}
