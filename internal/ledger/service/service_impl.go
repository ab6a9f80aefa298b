package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/clock"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	"github.com/smallbiznis/uplink/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	rankdomain "github.com/smallbiznis/uplink/internal/rank/domain"
	recomputedomain "github.com/smallbiznis/uplink/internal/recompute/domain"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	"github.com/smallbiznis/uplink/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxStatementEntries = 10_000

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Network    networkdomain.Service
	Sales      saledomain.Service
	Ranks      rankdomain.Service
	Commission commissiondomain.Service
	Recompute  recomputedomain.Service
	Policy     policydomain.Service
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	network    networkdomain.Service
	sales      saledomain.Service
	ranks      rankdomain.Service
	commission commissiondomain.Service
	recompute  recomputedomain.Service
	policy     policydomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("ledger.service"),
		clock:      p.Clock,
		network:    p.Network,
		sales:      p.Sales,
		ranks:      p.Ranks,
		commission: p.Commission,
		recompute:  p.Recompute,
		policy:     p.Policy,
	}
}

func (s *Service) Summary(ctx context.Context, distributorID snowflake.ID) (*domain.Summary, error) {
	if distributorID == 0 {
		return nil, domain.ErrInvalidDistributor
	}
	node, err := s.network.Get(ctx, distributorID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	policy, err := s.policy.At(ctx, now)
	if err != nil {
		return nil, err
	}
	from := now.Add(-policy.Window)
	to := now.Add(time.Nanosecond)

	summary := &domain.Summary{
		DistributorID: node.ID,
		Code:          node.Code,
		Name:          node.Name,
		Status:        node.Status,
		Rank:          node.Rank,
		ParentID:      node.ParentID,
		WindowStart:   from,
		PolicyVersion: policy.Version,
		AsOf:          now,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.sales.PersonalVolume(gctx, node.ID, from, to)
		summary.PersonalVolume = v
		return err
	})
	g.Go(func() error {
		// Sales up to MaxDepth-1 levels below still pay node a commission.
		links, err := s.network.Descendants(gctx, node.ID, max(policy.TeamDepth, policy.MaxDepth-1))
		if err != nil {
			return err
		}
		ids := make([]snowflake.ID, 0, len(links))
		watched := []snowflake.ID{node.ID}
		for _, link := range links {
			watched = append(watched, link.ID)
			if link.Depth > policy.TeamDepth {
				continue
			}
			ids = append(ids, link.ID)
			if link.Depth == 1 {
				summary.DirectCount++
			}
		}
		summary.TeamSize = len(ids)
		summary.TeamVolume, err = s.sales.TeamVolume(gctx, ids, from, to)
		if err != nil {
			return err
		}
		summary.Pending, err = s.recompute.InFlight(gctx, watched...)
		return err
	})
	g.Go(func() error {
		totals, err := s.commission.Totals(gctx, node.ID, nil, nil)
		summary.LifetimeTotals = totals
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if summary.LifetimeTotals == nil {
		summary.LifetimeTotals = []commissiondomain.Total{}
	}
	return summary, nil
}

func (s *Service) Commissions(ctx context.Context, req commissiondomain.ListEntriesRequest) (commissiondomain.ListEntriesResponse, error) {
	if req.DistributorID == 0 {
		return commissiondomain.ListEntriesResponse{}, domain.ErrInvalidDistributor
	}
	if _, err := s.network.Get(ctx, req.DistributorID); err != nil {
		return commissiondomain.ListEntriesResponse{}, err
	}
	return s.commission.ListEntries(ctx, req)
}

func (s *Service) Team(ctx context.Context, distributorID snowflake.ID, maxDepth int) (*networkdomain.TeamNode, error) {
	if distributorID == 0 {
		return nil, domain.ErrInvalidDistributor
	}
	return s.network.Team(ctx, distributorID, maxDepth)
}

func (s *Service) Ranks(ctx context.Context, distributorID snowflake.ID) ([]rankdomain.Record, error) {
	if distributorID == 0 {
		return nil, domain.ErrInvalidDistributor
	}
	return s.ranks.History(ctx, distributorID)
}

// Statement collects every entry of the period, newest first.
func (s *Service) Statement(ctx context.Context, req domain.StatementRequest) (*domain.Statement, error) {
	if req.DistributorID == 0 {
		return nil, domain.ErrInvalidDistributor
	}
	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return nil, domain.ErrInvalidTimeRange
	}
	node, err := s.network.Get(ctx, req.DistributorID)
	if err != nil {
		return nil, err
	}

	stmt := &domain.Statement{
		Distributor: node,
		From:        req.From,
		To:          req.To,
		GeneratedAt: s.clock.Now().UTC(),
	}
	page := pagination.Pagination{PageSize: pagination.MaxPageSize}
	for {
		resp, err := s.commission.ListEntries(ctx, commissiondomain.ListEntriesRequest{
			Pagination:    page,
			DistributorID: node.ID,
			From:          req.From,
			To:            req.To,
		})
		if err != nil {
			return nil, err
		}
		stmt.Entries = append(stmt.Entries, resp.Entries...)
		if len(stmt.Entries) > maxStatementEntries {
			return nil, domain.ErrStatementTooLarge
		}
		if !resp.HasMore || resp.NextPageToken == "" {
			break
		}
		page.PageToken = resp.NextPageToken
	}

	stmt.Totals, err = s.commission.Totals(ctx, node.ID, req.From, req.To)
	if err != nil {
		return nil, err
	}
	s.log.Debug("statement assembled",
		zap.String("distributor_id", node.ID.String()),
		zap.Int("entries", len(stmt.Entries)),
	)
	return stmt, nil
}
