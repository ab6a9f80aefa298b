package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/clock"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	obsmetrics "github.com/smallbiznis/uplink/internal/observability/metrics"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	"github.com/smallbiznis/uplink/internal/rank/domain"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Network networkdomain.Service
	Sales   saledomain.Service
	Policy  policydomain.Service
	Audit   auditdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	network networkdomain.Service
	sales   saledomain.Service
	policy  policydomain.Service
	audit   auditdomain.Service
	metrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("rank.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		network: p.Network,
		sales:   p.Sales,
		policy:  p.Policy,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func (s *Service) Evaluate(ctx context.Context, distributorID snowflake.ID) (*domain.Evaluation, error) {
	node, err := s.network.Get(ctx, distributorID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	policy, err := s.policy.At(ctx, now)
	if err != nil {
		return nil, err
	}

	stats, err := s.stats(ctx, node.ID, policy, now)
	if err != nil {
		return nil, err
	}
	tier, err := policy.Qualify(stats)
	if err != nil {
		return nil, fmt.Errorf("qualify %s: %w", node.ID, err)
	}

	eval := &domain.Evaluation{
		DistributorID:  node.ID,
		PreviousRank:   node.Rank,
		Rank:           tier.Code,
		PersonalVolume: stats.PersonalVolume,
		TeamVolume:     stats.TeamVolume,
		TeamSize:       stats.TeamSize,
		DirectCount:    stats.DirectCount,
		PolicyVersion:  policy.Version,
		EvaluatedAt:    now,
	}
	if tier.Code == node.Rank {
		return eval, nil
	}

	rec := &domain.Record{
		ID:             s.genID.Generate(),
		DistributorID:  node.ID,
		PreviousRank:   node.Rank,
		Rank:           tier.Code,
		PersonalVolume: stats.PersonalVolume,
		TeamVolume:     stats.TeamVolume,
		TeamSize:       stats.TeamSize,
		DirectCount:    stats.DirectCount,
		PolicyVersion:  policy.Version,
		EffectiveFrom:  now,
		CreatedAt:      now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.network.UpdateRank(ctx, tx, node.ID, node.Rank, tier.Code)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.ConflictError{DistributorID: node.ID}
		}
		if err := s.repo.Insert(ctx, tx, rec); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "rank.changed",
			TargetType: "distributor",
			TargetID:   node.ID.String(),
			Metadata: map[string]any{
				"from":            node.Rank,
				"to":              tier.Code,
				"personal_volume": stats.PersonalVolume,
				"team_volume":     stats.TeamVolume,
				"team_size":       stats.TeamSize,
				"policy_version":  policy.Version,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRankChange(ctx, node.Rank, tier.Code)
	s.log.Info("rank changed",
		zap.String("distributor_id", node.ID.String()),
		zap.String("from", node.Rank),
		zap.String("to", tier.Code),
		zap.Int64("personal_volume", stats.PersonalVolume),
		zap.Int64("team_volume", stats.TeamVolume),
		zap.Int("team_size", stats.TeamSize),
	)
	eval.Changed = true
	eval.Record = rec
	return eval, nil
}

// stats gathers qualifying inputs over the policy window ending at now.
func (s *Service) stats(ctx context.Context, id snowflake.ID, policy *policydomain.Policy, now time.Time) (policydomain.Stats, error) {
	from := now.Add(-policy.Window)
	to := now.Add(time.Nanosecond)

	personal, err := s.sales.PersonalVolume(ctx, id, from, to)
	if err != nil {
		return policydomain.Stats{}, err
	}
	links, err := s.network.Descendants(ctx, id, policy.TeamDepth)
	if err != nil {
		return policydomain.Stats{}, err
	}
	ids := make([]snowflake.ID, 0, len(links))
	direct := 0
	for _, link := range links {
		ids = append(ids, link.ID)
		if link.Depth == 1 {
			direct++
		}
	}
	team, err := s.sales.TeamVolume(ctx, ids, from, to)
	if err != nil {
		return policydomain.Stats{}, err
	}
	return policydomain.Stats{
		PersonalVolume: personal,
		TeamVolume:     team,
		TeamSize:       len(ids),
		DirectCount:    direct,
	}, nil
}

func (s *Service) RankAt(ctx context.Context, distributorID snowflake.ID, at time.Time) (string, error) {
	rec, err := s.repo.LatestAt(ctx, s.db, distributorID, at.UTC())
	if err != nil {
		return "", err
	}
	if rec != nil {
		return rec.Rank, nil
	}
	policy, err := s.policy.At(ctx, at)
	if err != nil {
		return "", err
	}
	return policy.LowestTier().Code, nil
}

func (s *Service) History(ctx context.Context, distributorID snowflake.ID) ([]domain.Record, error) {
	if _, err := s.network.Get(ctx, distributorID); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, s.db, distributorID)
}

func (s *Service) Sweep(ctx context.Context, afterID snowflake.ID, limit int) (domain.SweepResult, error) {
	if limit <= 0 {
		return domain.SweepResult{}, domain.ErrInvalidSweep
	}
	ids, err := s.network.ListIDs(ctx, afterID, limit)
	if err != nil {
		return domain.SweepResult{}, err
	}

	res := domain.SweepResult{NextID: afterID, Done: len(ids) < limit}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		eval, err := s.Evaluate(ctx, id)
		res.NextID = id
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluate %s: %w", id, err))
			continue
		}
		res.Evaluated++
		if eval.Changed {
			res.Changed++
		}
	}
	return res, errors.Join(errs...)
}
