package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/lock"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	outboxdomain "github.com/smallbiznis/uplink/internal/outbox/domain"
	"github.com/smallbiznis/uplink/internal/sale/domain"
	"github.com/smallbiznis/uplink/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// volumeChunk keeps IN lists well below driver parameter limits.
const volumeChunk = 500

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Network networkdomain.Service
	Locker  lock.Locker
	Audit   auditdomain.Service
	Outbox  outboxdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	network  networkdomain.Service
	locker   lock.Locker
	audit    auditdomain.Service
	outbox   outboxdomain.Service
	validate *validator.Validate
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("sale.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		network:  p.Network,
		locker:   p.Locker,
		audit:    p.Audit,
		outbox:   p.Outbox,
		validate: validator.New(),
	}
}

func (s *Service) HandleEvent(ctx context.Context, ev domain.Event) (*domain.EventResult, error) {
	ev.ExternalID = strings.TrimSpace(ev.ExternalID)
	ev.Currency = strings.ToUpper(strings.TrimSpace(ev.Currency))
	if err := s.validate.Struct(ev); err != nil {
		return nil, mapValidationError(err)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock.Now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	release, err := s.locker.Acquire(ctx, lock.OrderKey(ev.ExternalID))
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.repo.FindByExternalID(ctx, s.db, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil && ev.DistributorID != 0 && existing.DistributorID != ev.DistributorID {
		return nil, domain.ErrDistributorMismatch
	}

	switch ev.Type {
	case domain.EventCreated:
		if existing != nil {
			return &domain.EventResult{Sale: existing}, nil
		}
		sale, err := s.create(ctx, ev, domain.StatusPending)
		if err != nil {
			return nil, err
		}
		return &domain.EventResult{Sale: sale, Applied: true}, nil

	case domain.EventCompleted:
		if existing == nil {
			sale, err := s.create(ctx, ev, domain.StatusCompleted)
			if err != nil {
				return nil, err
			}
			return &domain.EventResult{Sale: sale, Applied: true}, nil
		}
		switch existing.Status {
		case domain.StatusCompleted:
			// a settled amount only changes through Correct
			if ev.Amount != 0 && ev.Amount != existing.Amount {
				return nil, domain.ErrAmountMismatch
			}
			return &domain.EventResult{Sale: existing}, nil
		case domain.StatusReversed:
			return nil, domain.ErrInvalidTransition
		}
		pending := *existing
		if ev.Amount != 0 && ev.Amount != existing.Amount {
			s.log.Info("completion changes checkout total",
				zap.String("sale_id", existing.ID.String()),
				zap.Int64("created_amount", existing.Amount),
				zap.Int64("completed_amount", ev.Amount),
			)
			pending.Amount = ev.Amount
		}
		sale, err := s.transition(ctx, &pending, domain.StatusCompleted, ev.OccurredAt)
		if err != nil {
			return nil, err
		}
		return &domain.EventResult{Sale: sale, Applied: true}, nil

	case domain.EventReversed:
		if existing == nil {
			return nil, domain.ErrSaleNotFound
		}
		if existing.Status == domain.StatusReversed {
			return &domain.EventResult{Sale: existing}, nil
		}
		sale, err := s.transition(ctx, existing, domain.StatusReversed, ev.OccurredAt)
		if err != nil {
			return nil, err
		}
		return &domain.EventResult{Sale: sale, Applied: true}, nil
	}
	return nil, domain.ErrInvalidEvent
}

func (s *Service) create(ctx context.Context, ev domain.Event, status domain.Status) (*domain.Sale, error) {
	if ev.DistributorID == 0 {
		return nil, domain.ErrUnknownDistributor
	}
	if ev.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if ev.Currency == "" {
		return nil, domain.ErrInvalidCurrency
	}
	if _, err := s.network.Get(ctx, ev.DistributorID); err != nil {
		if errors.Is(err, networkdomain.ErrDistributorNotFound) {
			return nil, domain.ErrUnknownDistributor
		}
		return nil, err
	}

	now := s.clock.Now()
	sale := &domain.Sale{
		ID:             s.genID.Generate(),
		ExternalID:     ev.ExternalID,
		DistributorID:  ev.DistributorID,
		Amount:         ev.Amount,
		Currency:       ev.Currency,
		Status:         status,
		AttemptVersion: 1,
		OccurredAt:     ev.OccurredAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == domain.StatusCompleted {
		completedAt := ev.OccurredAt
		sale.CompletedAt = &completedAt
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, sale); err != nil {
			return err
		}
		if status != domain.StatusCompleted {
			return nil
		}
		return s.publish(ctx, tx, outboxdomain.TopicSaleCompleted, sale, 0, now)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrConcurrentUpdate
		}
		return nil, err
	}

	s.log.Info("sale recorded",
		zap.String("sale_id", sale.ID.String()),
		zap.String("external_id", sale.ExternalID),
		zap.String("status", string(sale.Status)),
	)
	return sale, nil
}

func (s *Service) transition(ctx context.Context, sale *domain.Sale, to domain.Status, at time.Time) (*domain.Sale, error) {
	now := s.clock.Now()
	from := sale.Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var (
			ok    bool
			err   error
			topic string
		)
		switch to {
		case domain.StatusCompleted:
			ok, err = s.repo.Complete(ctx, tx, sale.ID, from, sale.Amount, at)
			topic = outboxdomain.TopicSaleCompleted
		case domain.StatusReversed:
			ok, err = s.repo.Reverse(ctx, tx, sale.ID, from, at)
			topic = outboxdomain.TopicSaleReversed
		default:
			return domain.ErrInvalidTransition
		}
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrentUpdate
		}
		// a pending sale never earned commission, so its cancellation has
		// nothing to offset
		if to == domain.StatusReversed && from != domain.StatusCompleted {
			return nil
		}
		next := *sale
		next.Status = to
		return s.publish(ctx, tx, topic, &next, 0, now)
	})
	if err != nil {
		return nil, err
	}

	updated := *sale
	updated.Status = to
	updated.UpdatedAt = now
	switch to {
	case domain.StatusCompleted:
		updated.CompletedAt = &at
	case domain.StatusReversed:
		updated.ReversedAt = &at
	}
	s.log.Info("sale transitioned",
		zap.String("sale_id", sale.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return &updated, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, topic string, sale *domain.Sale, previousAttempt int, at time.Time) error {
	_, err := s.outbox.Publish(ctx, tx, topic, sale.DistributorID, domain.Transition{
		SaleID:          sale.ID,
		DistributorID:   sale.DistributorID,
		Status:          sale.Status,
		AttemptVersion:  sale.AttemptVersion,
		PreviousAttempt: previousAttempt,
		At:              at,
	})
	return err
}

// Correct changes the amount of a completed sale. The previous attempt's
// entries are reversed and a new attempt is computed over the stored chain
// once the sale.corrected event is processed.
func (s *Service) Correct(ctx context.Context, req domain.CorrectRequest) (*domain.CorrectResult, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validate.Struct(req); err != nil {
		return nil, mapValidationError(err)
	}

	release, err := s.locker.Acquire(ctx, lock.SaleKey(req.SaleID))
	if err != nil {
		return nil, err
	}
	defer release()

	sale, err := s.Get(ctx, req.SaleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.StatusCompleted {
		return nil, domain.ErrInvalidTransition
	}
	if sale.Amount == req.NewAmount {
		return nil, domain.ErrNoChange
	}

	now := s.clock.Now()
	correction := &domain.Correction{
		ID:              s.genID.Generate(),
		SaleID:          sale.ID,
		PreviousAmount:  sale.Amount,
		NewAmount:       req.NewAmount,
		PreviousAttempt: sale.AttemptVersion,
		NewAttempt:      sale.AttemptVersion + 1,
		Reason:          req.Reason,
		CreatedAt:       now,
	}
	updated := *sale
	updated.Amount = req.NewAmount
	updated.AttemptVersion = correction.NewAttempt
	updated.UpdatedAt = now

	var auditID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.UpdateAmount(ctx, tx, sale.ID, req.NewAmount, correction.PreviousAttempt, correction.NewAttempt, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrentUpdate
		}
		if err := s.repo.InsertCorrection(ctx, tx, correction); err != nil {
			return err
		}
		id, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "sale.correct",
			TargetType: "sale",
			TargetID:   sale.ID.String(),
			Metadata: map[string]any{
				"previous_amount":  sale.Amount,
				"new_amount":       req.NewAmount,
				"previous_attempt": correction.PreviousAttempt,
				"attempt_version":  correction.NewAttempt,
				"reason":           req.Reason,
			},
		})
		if err != nil {
			return err
		}
		auditID = id
		return s.publish(ctx, tx, outboxdomain.TopicSaleCorrected, &updated, correction.PreviousAttempt, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("sale corrected",
		zap.String("sale_id", sale.ID.String()),
		zap.Int64("previous_amount", sale.Amount),
		zap.Int64("new_amount", req.NewAmount),
		zap.Int("attempt_version", correction.NewAttempt),
		zap.String("audit_id", auditID),
	)
	return &domain.CorrectResult{Sale: &updated, Correction: correction, AuditID: auditID}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Sale, error) {
	sale, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, domain.ErrSaleNotFound
	}
	return sale, nil
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*domain.Sale, error) {
	sale, err := s.repo.FindByExternalID(ctx, s.db, strings.TrimSpace(externalID))
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, domain.ErrSaleNotFound
	}
	return sale, nil
}

func (s *Service) Corrections(ctx context.Context, saleID snowflake.ID) ([]domain.Correction, error) {
	return s.repo.ListCorrections(ctx, s.db, saleID)
}

func (s *Service) SnapshotChain(ctx context.Context, tx *gorm.DB, saleID snowflake.ID, chain []snowflake.ID) ([]snowflake.ID, error) {
	if tx == nil {
		tx = s.db
	}
	raw, err := json.Marshal(chain)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.SetChain(ctx, tx, saleID, raw); err != nil {
		return nil, err
	}
	sale, err := s.repo.FindByID(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, domain.ErrSaleNotFound
	}
	stored, ok, err := sale.ChainIDs()
	if err != nil {
		return nil, err
	}
	if !ok {
		return chain, nil
	}
	return stored, nil
}

func (s *Service) PersonalVolume(ctx context.Context, distributorID snowflake.ID, from, to time.Time) (int64, error) {
	return s.repo.SumCompleted(ctx, s.db, []snowflake.ID{distributorID}, from.UTC(), to.UTC())
}

func (s *Service) TeamVolume(ctx context.Context, ids []snowflake.ID, from, to time.Time) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += volumeChunk {
		end := min(start+volumeChunk, len(ids))
		sum, err := s.repo.SumCompleted(ctx, s.db, ids[start:end], from.UTC(), to.UTC())
		if err != nil {
			return 0, err
		}
		total += sum
	}
	return total, nil
}

func mapValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "Amount", "NewAmount":
		return domain.ErrInvalidAmount
	case "Currency":
		return domain.ErrInvalidCurrency
	case "SaleID":
		return domain.ErrSaleNotFound
	default:
		return domain.ErrInvalidEvent
	}
}
