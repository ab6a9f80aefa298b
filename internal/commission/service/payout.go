package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/commission/domain"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const bonusPageSize = 500

func (s *Service) GrantRankBonuses(ctx context.Context, period time.Time) (domain.BonusRunResult, error) {
	start := domain.PeriodOf(period)
	end := start.AddDate(0, 1, 0)
	res := domain.BonusRunResult{Period: start}
	if end.After(s.clock.Now()) {
		return res, domain.ErrInvalidPeriod
	}
	// Ranks and tiers are read as they stood on the last instant of the month.
	asOf := end.Add(-time.Nanosecond)
	policy, err := s.policy.At(ctx, asOf)
	if err != nil {
		return res, err
	}

	var (
		errs  []error
		after snowflake.ID
	)
	for {
		ids, err := s.network.ListIDs(ctx, after, bonusPageSize)
		if err != nil {
			return res, err
		}
		if len(ids) == 0 {
			break
		}
		nodes, err := s.network.GetMany(ctx, ids)
		if err != nil {
			return res, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return res, errors.Join(append(errs, err)...)
			}
			node, ok := nodes[id]
			if !ok || !node.EnrolledAt.Before(end) {
				continue
			}
			if node.Status != networkdomain.StatusActive && !policy.PayInactive {
				continue
			}
			res.Evaluated++

			rank, err := s.ranks.RankAt(ctx, id, asOf)
			if err != nil {
				errs = append(errs, fmt.Errorf("rank of %s: %w", id, err))
				continue
			}
			tier, ok := policy.Tier(rank)
			if !ok || tier.MonthlyBonus <= 0 {
				continue
			}
			inserted, err := s.repo.InsertBonus(ctx, s.db, &domain.Bonus{
				ID:            s.genID.Generate(),
				DistributorID: id,
				Period:        start,
				Rank:          tier.Code,
				Amount:        tier.MonthlyBonus,
				Currency:      policy.BonusCurrency,
				PolicyVersion: policy.Version,
				CreatedAt:     s.clock.Now(),
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("bonus of %s: %w", id, err))
				continue
			}
			if inserted {
				res.Granted++
			} else {
				res.Existing++
			}
		}
		after = ids[len(ids)-1]
		if len(ids) < bonusPageSize {
			break
		}
	}

	s.metrics.RecordCommissionEntries(ctx, string(domain.PayableBonus), res.Granted)
	s.log.Info("rank bonuses granted",
		zap.Time("period", start),
		zap.Int("evaluated", res.Evaluated),
		zap.Int("granted", res.Granted),
		zap.Int("existing", res.Existing),
		zap.String("policy_version", policy.Version),
	)
	return res, errors.Join(errs...)
}

func (s *Service) ListBonuses(ctx context.Context, distributorID snowflake.ID) ([]domain.Bonus, error) {
	return s.repo.ListBonuses(ctx, s.db, distributorID)
}

func (s *Service) Payable(ctx context.Context, itemID snowflake.ID) (*domain.Payable, error) {
	payable, _, err := s.loadPayable(ctx, s.db, itemID)
	return payable, err
}

// loadPayable also returns the entry behind the payable, nil for bonuses.
func (s *Service) loadPayable(ctx context.Context, db *gorm.DB, itemID snowflake.ID) (*domain.Payable, *domain.Entry, error) {
	var payable *domain.Payable
	entry, err := s.repo.FindEntry(ctx, db, itemID)
	if err != nil {
		return nil, nil, err
	}
	if entry != nil {
		payable = &domain.Payable{
			ID:            entry.ID,
			Kind:          domain.PayableEntry,
			BeneficiaryID: entry.BeneficiaryID,
			Amount:        entry.Amount,
			Currency:      entry.Currency,
		}
	} else {
		bonus, err := s.repo.FindBonus(ctx, db, itemID)
		if err != nil {
			return nil, nil, err
		}
		if bonus == nil {
			return nil, nil, domain.ErrPayableNotFound
		}
		payable = &domain.Payable{
			ID:            bonus.ID,
			Kind:          domain.PayableBonus,
			BeneficiaryID: bonus.DistributorID,
			Amount:        bonus.Amount,
			Currency:      bonus.Currency,
		}
	}

	history, err := s.repo.ListStatusChanges(ctx, db, itemID)
	if err != nil {
		return nil, nil, err
	}
	payable.History = history
	payable.Status = domain.PayoutPending
	if len(history) > 0 {
		payable.Status = history[len(history)-1].Status
	}
	return payable, entry, nil
}

func (s *Service) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.Payable, error) {
	if !slices.Contains([]domain.PayoutStatus{domain.PayoutApproved, domain.PayoutPaid}, req.To) {
		return nil, domain.ErrInvalidTransition
	}
	payable, entry, err := s.loadPayable(ctx, s.db, req.ItemID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if err := s.checkPayableEntry(ctx, entry); err != nil {
			return nil, err
		}
	}
	from := payable.Status
	if !from.CanMoveTo(req.To) {
		return nil, domain.ErrInvalidTransition
	}

	actor, _ := obscontext.ActorFromContext(ctx)
	change := domain.StatusChange{
		ID:        s.genID.Generate(),
		ItemID:    payable.ID,
		ItemKind:  payable.Kind,
		Status:    req.To,
		ActorID:   actor.ID,
		Note:      strings.TrimSpace(req.Note),
		CreatedAt: s.clock.Now(),
	}
	var auditID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertStatusChange(ctx, tx, &change)
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrInvalidTransition
		}
		auditID, err = s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "commission." + string(req.To),
			TargetType: string(payable.Kind),
			TargetID:   payable.ID.String(),
			Metadata: map[string]any{
				"from":     string(from),
				"to":       string(req.To),
				"amount":   payable.Amount,
				"currency": payable.Currency,
				"note":     change.Note,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payout status changed",
		zap.String("item_id", payable.ID.String()),
		zap.String("kind", string(payable.Kind)),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
	)
	payable.Status = req.To
	payable.History = append(payable.History, change)
	payable.AuditID = auditID
	return payable, nil
}

// checkPayableEntry admits only credits whose attempt was never reversed.
func (s *Service) checkPayableEntry(ctx context.Context, entry *domain.Entry) error {
	if entry.Kind != domain.KindCredit || entry.Amount <= 0 {
		return domain.ErrNotPayable
	}
	reversal, err := s.repo.FindRun(ctx, s.db, entry.SaleID, domain.RunReversal, entry.AttemptVersion)
	if err != nil {
		return err
	}
	if reversal != nil && reversal.Outcome == domain.OutcomeApplied {
		return domain.ErrNotPayable
	}
	return nil
}

// mergeTotals adds b into a per currency, ordered by currency.
func mergeTotals(a, b []domain.Total) []domain.Total {
	if len(b) == 0 {
		return a
	}
	sums := make(map[string]int64, len(a)+len(b))
	for _, t := range slices.Concat(a, b) {
		sums[t.Currency] += t.Amount
	}
	out := make([]domain.Total, 0, len(sums))
	for currency, amount := range sums {
		out = append(out, domain.Total{Currency: currency, Amount: amount})
	}
	slices.SortFunc(out, func(x, y domain.Total) int { return strings.Compare(x.Currency, y.Currency) })
	return out
}
