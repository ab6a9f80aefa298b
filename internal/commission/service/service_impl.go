package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/commission/domain"
	"github.com/smallbiznis/uplink/internal/lock"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	obsmetrics "github.com/smallbiznis/uplink/internal/observability/metrics"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	rankdomain "github.com/smallbiznis/uplink/internal/rank/domain"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	"github.com/smallbiznis/uplink/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Locker  lock.Locker
	Sales   saledomain.Service
	Network networkdomain.Service
	Ranks   rankdomain.Service
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
	locker  lock.Locker
	sales   saledomain.Service
	network networkdomain.Service
	ranks   rankdomain.Service
	policy  policydomain.Service
	audit   auditdomain.Service
	metrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("commission.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		locker:  p.Locker,
		sales:   p.Sales,
		network: p.Network,
		ranks:   p.Ranks,
		policy:  p.Policy,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func (s *Service) Process(ctx context.Context, saleID snowflake.ID) (*domain.Result, error) {
	release, err := s.locker.Acquire(ctx, lock.SaleKey(saleID))
	if err != nil {
		return nil, err
	}
	defer release()

	sale, err := s.sales.Get(ctx, saleID)
	if err != nil {
		return nil, err
	}
	switch sale.Status {
	case saledomain.StatusCompleted:
		return s.credit(ctx, sale)
	case saledomain.StatusReversed:
		return s.reverse(ctx, sale, sale.AttemptVersion)
	default:
		return nil, domain.ErrSaleNotSettled
	}
}

func (s *Service) ReverseAttempt(ctx context.Context, saleID snowflake.ID, attempt int) (*domain.Result, error) {
	release, err := s.locker.Acquire(ctx, lock.SaleKey(saleID))
	if err != nil {
		return nil, err
	}
	defer release()

	sale, err := s.sales.Get(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if attempt <= 0 || attempt > sale.AttemptVersion {
		return nil, domain.ErrInvalidAttempt
	}
	return s.reverse(ctx, sale, attempt)
}

func (s *Service) ApplyCorrection(ctx context.Context, saleID snowflake.ID, previousAttempt int) ([]*domain.Result, error) {
	reversed, err := s.ReverseAttempt(ctx, saleID, previousAttempt)
	if err != nil {
		return nil, fmt.Errorf("reverse attempt %d: %w", previousAttempt, err)
	}
	credited, err := s.Process(ctx, saleID)
	if err != nil {
		return []*domain.Result{reversed}, fmt.Errorf("credit corrected sale: %w", err)
	}
	return []*domain.Result{reversed, credited}, nil
}

// credit computes one entry per eligible level of the sale's chain. The
// chain is captured on the sale the first time, so later attempts pay the
// same uplines even after a re-parent.
func (s *Service) credit(ctx context.Context, sale *saledomain.Sale) (*domain.Result, error) {
	attempt := sale.AttemptVersion
	if res, err := s.existing(ctx, sale.ID, domain.RunCredit, attempt, domain.KindCredit); res != nil || err != nil {
		return res, err
	}

	policy, err := s.policy.At(ctx, sale.OccurredAt)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	run := &domain.Run{
		ID:             s.genID.Generate(),
		SaleID:         sale.ID,
		SaleStatus:     domain.RunCredit,
		AttemptVersion: attempt,
		PolicyVersion:  policy.Version,
		CreatedAt:      now,
	}

	// A reversal of this attempt already landed; crediting now would only
	// leave an unmatched credit behind.
	reversal, err := s.repo.FindRun(ctx, s.db, sale.ID, domain.RunReversal, attempt)
	if err != nil {
		return nil, err
	}
	if reversal != nil {
		run.Outcome = domain.OutcomeSuperseded
		return s.commit(ctx, sale, run, nil, nil)
	}

	chain, err := s.chain(ctx, sale, policy)
	if err != nil {
		return nil, err
	}
	entries, gaps, err := s.compute(ctx, sale, chain, policy, run.ID, now)
	if err != nil {
		return nil, err
	}
	run.Outcome = domain.OutcomeApplied
	return s.commit(ctx, sale, run, entries, gaps)
}

// chain returns [owner, parent, ...] bounded by the policy depth, from the
// sale's snapshot when one exists. Otherwise the tree is read as it stood at
// completion, so a move landing before the pass runs does not redirect it.
func (s *Service) chain(ctx context.Context, sale *saledomain.Sale, policy *policydomain.Policy) ([]snowflake.ID, error) {
	stored, ok, err := sale.ChainIDs()
	if err != nil {
		return nil, fmt.Errorf("decode chain of sale %s: %w", sale.ID, err)
	}
	if ok {
		return stored, nil
	}

	owner, err := s.network.Get(ctx, sale.DistributorID)
	if err != nil {
		return nil, err
	}
	ancestors, err := s.network.AncestorsAt(ctx, sale.DistributorID, chainInstant(sale, owner), max(policy.MaxDepth-1, 1))
	if err != nil {
		return nil, err
	}
	chain := append([]snowflake.ID{sale.DistributorID}, ancestors...)
	if len(chain) > policy.MaxDepth {
		chain = chain[:policy.MaxDepth]
	}
	return s.sales.SnapshotChain(ctx, nil, sale.ID, chain)
}

// chainInstant is the sale's completion, clamped to the owner's enrollment
// for events stamped before the owner joined.
func chainInstant(sale *saledomain.Sale, owner *networkdomain.Distributor) time.Time {
	at := sale.OccurredAt
	if sale.CompletedAt != nil {
		at = *sale.CompletedAt
	}
	if at.Before(owner.EnrolledAt) {
		at = owner.EnrolledAt
	}
	return at
}

func (s *Service) compute(ctx context.Context, sale *saledomain.Sale, chain []snowflake.ID, policy *policydomain.Policy, runID snowflake.ID, now time.Time) ([]domain.Entry, []domain.Gap, error) {
	nodes, err := s.network.GetMany(ctx, chain)
	if err != nil {
		return nil, nil, err
	}
	rankAt := sale.OccurredAt
	if sale.CompletedAt != nil {
		rankAt = *sale.CompletedAt
	}

	var (
		entries    []domain.Entry
		gaps       []domain.Gap
		cumulative = decimal.Zero
		base       = decimal.NewFromInt(sale.Amount)
	)
	for level, beneficiaryID := range chain {
		if level >= policy.MaxDepth {
			break
		}
		node, ok := nodes[beneficiaryID]
		if !ok {
			return nil, nil, &networkdomain.AncestorResolutionError{NodeID: sale.DistributorID, MissingID: beneficiaryID}
		}
		if node.Status != networkdomain.StatusActive && !policy.PayInactive {
			continue
		}

		rank, err := s.ranks.RankAt(ctx, beneficiaryID, rankAt)
		if err != nil {
			return nil, nil, err
		}
		tier, ok := policy.Tier(rank)
		if !ok {
			tier = policy.LowestTier()
		}
		if level > tier.MaxLevel {
			continue
		}

		pct, err := policy.Percent(level, rank)
		if err != nil {
			var missing *policydomain.PolicyMissingError
			if !errors.As(err, &missing) {
				return nil, nil, err
			}
			s.log.Warn("no commission percentage configured",
				zap.String("sale_id", sale.ID.String()),
				zap.Int("level", level),
				zap.String("rank", rank),
				zap.String("policy_version", policy.Version),
			)
			gaps = append(gaps, domain.Gap{
				ID:             s.genID.Generate(),
				SaleID:         sale.ID,
				BeneficiaryID:  beneficiaryID,
				Level:          level,
				Rank:           rank,
				AttemptVersion: sale.AttemptVersion,
				PolicyVersion:  policy.Version,
				CreatedAt:      now,
			})
			continue
		}

		if room := policy.MaxTotalPercent.Sub(cumulative); pct.GreaterThan(room) {
			pct = decimal.Max(room, decimal.Zero)
		}
		if pct.IsZero() {
			continue
		}
		cumulative = cumulative.Add(pct)

		entries = append(entries, domain.Entry{
			ID:             s.genID.Generate(),
			RunID:          runID,
			SaleID:         sale.ID,
			BeneficiaryID:  beneficiaryID,
			Level:          level,
			Rank:           rank,
			Percent:        pct.String(),
			BaseAmount:     sale.Amount,
			Amount:         base.Mul(pct).Div(hundred).RoundBank(0).IntPart(),
			Currency:       sale.Currency,
			Kind:           domain.KindCredit,
			AttemptVersion: sale.AttemptVersion,
			PolicyVersion:  policy.Version,
			ComputedAt:     now,
		})
	}
	return entries, gaps, nil
}

// reverse appends a negated copy of every credit of the attempt.
func (s *Service) reverse(ctx context.Context, sale *saledomain.Sale, attempt int) (*domain.Result, error) {
	if res, err := s.existing(ctx, sale.ID, domain.RunReversal, attempt, domain.KindReversal); res != nil || err != nil {
		return res, err
	}

	now := s.clock.Now()
	run := &domain.Run{
		ID:             s.genID.Generate(),
		SaleID:         sale.ID,
		SaleStatus:     domain.RunReversal,
		AttemptVersion: attempt,
		CreatedAt:      now,
	}

	creditRun, err := s.repo.FindRun(ctx, s.db, sale.ID, domain.RunCredit, attempt)
	if err != nil {
		return nil, err
	}
	if creditRun == nil {
		run.Outcome = domain.OutcomeSuperseded
		policy, err := s.policy.At(ctx, sale.OccurredAt)
		if err != nil {
			return nil, err
		}
		run.PolicyVersion = policy.Version
		return s.commit(ctx, sale, run, nil, nil)
	}
	run.PolicyVersion = creditRun.PolicyVersion

	credits, err := s.repo.ListAttemptEntries(ctx, s.db, sale.ID, attempt, domain.KindCredit)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.Entry, 0, len(credits))
	for _, c := range credits {
		entries = append(entries, domain.Entry{
			ID:             s.genID.Generate(),
			RunID:          run.ID,
			SaleID:         c.SaleID,
			BeneficiaryID:  c.BeneficiaryID,
			Level:          c.Level,
			Rank:           c.Rank,
			Percent:        c.Percent,
			BaseAmount:     c.BaseAmount,
			Amount:         -c.Amount,
			Currency:       c.Currency,
			Kind:           domain.KindReversal,
			AttemptVersion: c.AttemptVersion,
			PolicyVersion:  c.PolicyVersion,
			ComputedAt:     now,
		})
	}
	run.Outcome = domain.OutcomeApplied
	return s.commit(ctx, sale, run, entries, nil)
}

// existing returns the result of a pass that was already made.
func (s *Service) existing(ctx context.Context, saleID snowflake.ID, status string, attempt int, kind domain.Kind) (*domain.Result, error) {
	run, err := s.repo.FindRun(ctx, s.db, saleID, status, attempt)
	if err != nil || run == nil {
		return nil, err
	}
	entries, err := s.repo.ListAttemptEntries(ctx, s.db, saleID, attempt, kind)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCommissionRun(ctx, status, domain.OutcomeDuplicate)
	return &domain.Result{Run: run, Entries: entries, Duplicate: true}, nil
}

func (s *Service) commit(ctx context.Context, sale *saledomain.Sale, run *domain.Run, entries []domain.Entry, gaps []domain.Gap) (*domain.Result, error) {
	run.EntryCount = len(entries)
	run.GapCount = len(gaps)

	duplicate := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertRun(ctx, tx, run)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}
		if err := s.repo.InsertEntries(ctx, tx, entries); err != nil {
			return err
		}
		return s.repo.InsertGaps(ctx, tx, gaps)
	})
	if err != nil {
		return nil, fmt.Errorf("commit commission run: %w", err)
	}
	kind := domain.KindCredit
	if run.SaleStatus == domain.RunReversal {
		kind = domain.KindReversal
	}
	if duplicate {
		return s.existing(ctx, sale.ID, run.SaleStatus, run.AttemptVersion, kind)
	}

	s.metrics.RecordCommissionRun(ctx, run.SaleStatus, run.Outcome)
	s.metrics.RecordCommissionEntries(ctx, string(kind), len(entries))
	for _, gap := range gaps {
		s.metrics.RecordPolicyGap(ctx, gap.Rank, gap.Level)
	}
	s.log.Info("commission pass committed",
		zap.String("sale_id", sale.ID.String()),
		zap.String("status", run.SaleStatus),
		zap.Int("attempt_version", run.AttemptVersion),
		zap.String("outcome", run.Outcome),
		zap.Int("entries", len(entries)),
		zap.Int("gaps", len(gaps)),
		zap.String("policy_version", run.PolicyVersion),
	)
	return &domain.Result{Run: run, Entries: entries, Gaps: gaps}, nil
}

func (s *Service) SaleEntries(ctx context.Context, saleID snowflake.ID) ([]domain.Entry, error) {
	return s.repo.ListSaleEntries(ctx, s.db, saleID)
}

func (s *Service) SaleGaps(ctx context.Context, saleID snowflake.ID) ([]domain.Gap, error) {
	return s.repo.ListSaleGaps(ctx, s.db, saleID)
}

func (s *Service) ListEntries(ctx context.Context, req domain.ListEntriesRequest) (domain.ListEntriesResponse, error) {
	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return domain.ListEntriesResponse{}, domain.ErrInvalidTimeRange
	}

	var cursor *domain.EntryCursor
	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListEntriesResponse{}, domain.ErrInvalidPageToken
	}
	if decoded != nil {
		computedAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListEntriesResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil {
			return domain.ListEntriesResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.EntryCursor{ID: id, ComputedAt: computedAt}
	}

	limit := req.Limit()
	items, err := s.repo.ListEntries(ctx, s.db, domain.EntryFilter{
		BeneficiaryID: req.DistributorID,
		From:          req.From,
		To:            req.To,
		Cursor:        cursor,
		Limit:         limit,
	})
	if err != nil {
		return domain.ListEntriesResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *domain.Entry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.ComputedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	entries := make([]domain.Entry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}
	resp := domain.ListEntriesResponse{Entries: entries}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Totals(ctx context.Context, distributorID snowflake.ID, from, to *time.Time) ([]domain.Total, error) {
	entries, err := s.repo.SumByCurrency(ctx, s.db, distributorID, from, to)
	if err != nil {
		return nil, err
	}
	bonuses, err := s.repo.SumBonuses(ctx, s.db, distributorID, from, to)
	if err != nil {
		return nil, err
	}
	return mergeTotals(entries, bonuses), nil
}
