package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/config"
	obsmetrics "github.com/smallbiznis/uplink/internal/observability/metrics"
	"github.com/smallbiznis/uplink/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxBackoff = time.Hour

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository

	maxAttempts int
	backoffBase time.Duration
	lease       time.Duration
}

func New(p Params) domain.Service {
	maxAttempts := p.Cfg.Recompute.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoffBase := p.Cfg.Recompute.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 10 * time.Second
	}
	lease := p.Cfg.Recompute.Lease
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("outbox.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		lease:       lease,
	}
}

func (s *Service) Publish(ctx context.Context, db *gorm.DB, topic string, subjectID snowflake.ID, payload any) (snowflake.ID, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return 0, domain.ErrInvalidTopic
	}
	if db == nil {
		db = s.db
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", topic, err)
	}

	now := s.clock.Now().UTC()
	event := domain.Event{
		ID:          s.genID.Generate(),
		Topic:       topic,
		SubjectID:   subjectID,
		Payload:     datatypes.JSON(raw),
		Status:      domain.EventStatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}
	if err := s.repo.Insert(ctx, db, &event); err != nil {
		return 0, err
	}
	return event.ID, nil
}

// Dispatch delivers claimable events in id order. Handler errors are retried
// with exponential backoff until the attempt budget is spent.
func (s *Service) Dispatch(ctx context.Context, limit int, handler domain.Handler) (domain.DispatchResult, error) {
	var result domain.DispatchResult
	if limit <= 0 {
		limit = 50
	}

	now := s.clock.Now().UTC()
	events, err := s.repo.ListClaimable(ctx, s.db, now, limit)
	if err != nil {
		return result, err
	}

	schedMetrics := obsmetrics.Scheduler()
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		claimed, err := s.repo.Claim(ctx, s.db, event.ID, now, now.Add(s.lease))
		if err != nil {
			return result, err
		}
		if !claimed {
			continue
		}
		result.Claimed++
		event.Attempts++

		handleErr := s.handle(ctx, handler, event)
		finishedAt := s.clock.Now().UTC()
		switch {
		case handleErr == nil:
			if err := s.repo.MarkDispatched(ctx, s.db, event.ID, finishedAt); err != nil {
				return result, err
			}
			result.Dispatched++
			schedMetrics.IncOutboxDispatch(event.Topic, "dispatched")
		case event.Attempts >= s.maxAttempts:
			if err := s.repo.MarkFailed(ctx, s.db, event.ID, handleErr.Error()); err != nil {
				return result, err
			}
			result.Failed++
			schedMetrics.IncOutboxDispatch(event.Topic, "failed")
			s.log.Error("outbox event exhausted retries",
				zap.String("event_id", event.ID.String()),
				zap.String("topic", event.Topic),
				zap.Int("attempts", event.Attempts),
				zap.Error(handleErr),
			)
		default:
			next := finishedAt.Add(Backoff(s.backoffBase, event.Attempts))
			if err := s.repo.MarkRetry(ctx, s.db, event.ID, next, handleErr.Error()); err != nil {
				return result, err
			}
			result.Retried++
			schedMetrics.IncOutboxDispatch(event.Topic, "retry")
			s.log.Warn("outbox event retry scheduled",
				zap.String("event_id", event.ID.String()),
				zap.String("topic", event.Topic),
				zap.Int("attempts", event.Attempts),
				zap.Time("available_at", next),
				zap.Error(handleErr),
			)
		}
	}
	return result, nil
}

func (s *Service) handle(ctx context.Context, handler domain.Handler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbox handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// HasPending reports whether any of the subjects has an event not yet
// dispatched.
func (s *Service) HasPending(ctx context.Context, subjectIDs ...snowflake.ID) (bool, error) {
	if len(subjectIDs) == 0 {
		return false, nil
	}
	count, err := s.repo.CountOpenForSubjects(ctx, s.db, subjectIDs)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListByStatus(ctx, s.db, domain.EventStatusFailed, limit)
}

func (s *Service) Requeue(ctx context.Context, id snowflake.ID) error {
	ok, err := s.repo.Requeue(ctx, s.db, id, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrEventNotFound
	}
	return nil
}

// Backoff doubles base per attempt, capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
