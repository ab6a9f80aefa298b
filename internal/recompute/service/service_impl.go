package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/clock"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	"github.com/smallbiznis/uplink/internal/config"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	obsmetrics "github.com/smallbiznis/uplink/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/uplink/internal/outbox/domain"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	rankdomain "github.com/smallbiznis/uplink/internal/rank/domain"
	"github.com/smallbiznis/uplink/internal/recompute/domain"
	"github.com/smallbiznis/uplink/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxBackoff = time.Hour
	jobTimeout = 30 * time.Second
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Outbox     outboxdomain.Service
	Network    networkdomain.Service
	Ranks      rankdomain.Service
	Commission commissiondomain.Service
	Policy     policydomain.Service
	Audit      auditdomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	outbox     outboxdomain.Service
	network    networkdomain.Service
	ranks      rankdomain.Service
	commission commissiondomain.Service
	policy     policydomain.Service
	audit      auditdomain.Service

	workerID    string
	concurrency int
	batchSize   int
	debounce    time.Duration
	maxAttempts int
	backoffBase time.Duration
	lease       time.Duration
	limiter     *rate.Limiter
}

func New(p Params) domain.Service {
	cfg := p.Cfg.Recompute
	limit, burst := rate.Inf, 1
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
		burst = max(1, int(cfg.DispatchRate))
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("recompute.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		outbox:      p.Outbox,
		network:     p.Network,
		ranks:       p.Ranks,
		commission:  p.Commission,
		policy:      p.Policy,
		audit:       p.Audit,
		workerID:    uuid.NewString(),
		concurrency: positive(cfg.Concurrency, 4),
		batchSize:   positive(cfg.BatchSize, 50),
		debounce:    max(cfg.Debounce, 0),
		maxAttempts: positive(cfg.MaxAttempts, 5),
		backoffBase: positiveDuration(cfg.BackoffBase, 10*time.Second),
		lease:       positiveDuration(cfg.Lease, 2*time.Minute),
		limiter:     rate.NewLimiter(limit, burst),
	}
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func positiveDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, req domain.EnqueueRequest) (*domain.EnqueueResult, error) {
	switch req.Kind {
	case domain.KindRankRecheck, domain.KindSaleCorrection, domain.KindCommissionRetry:
	default:
		return nil, domain.ErrInvalidKind
	}
	if req.SubjectID == 0 {
		return nil, domain.ErrInvalidSubject
	}
	if tx == nil {
		tx = s.db
	}

	key := req.DedupeKey
	if key == "" {
		key = fmt.Sprintf("%s:%s", req.Kind, req.SubjectID)
	}
	payload := datatypes.JSON("{}")
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", req.Kind, err)
		}
		payload = raw
	}

	now := s.clock.Now().UTC()
	next := now
	if req.Kind == domain.KindRankRecheck {
		next = now.Add(s.debounce)
	}
	job := &domain.Job{
		ID:          s.genID.Generate(),
		Kind:        req.Kind,
		SubjectID:   req.SubjectID,
		DedupeKey:   key,
		Payload:     payload,
		Status:      domain.StatusQueued,
		MaxAttempts: s.maxAttempts,
		NextRunAt:   next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.LastError != "" {
		job.LastError = &req.LastError
	}

	inserted, err := s.repo.Insert(ctx, tx, job)
	if err != nil {
		return nil, err
	}
	if inserted {
		obsmetrics.Scheduler().IncRecomputeTransition(string(job.Kind), string(domain.StatusQueued))
		return &domain.EnqueueResult{Job: job}, nil
	}

	existing, err := s.repo.FindQueued(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// the queued job was claimed in between; a fresh one is needed
		if _, err := s.repo.Insert(ctx, tx, job); err != nil {
			return nil, err
		}
		return &domain.EnqueueResult{Job: job}, nil
	}
	return &domain.EnqueueResult{Job: existing, Coalesced: true}, nil
}

// RunOnce reclaims expired leases, claims a batch of due jobs and runs them
// on a bounded worker pool.
func (s *Service) RunOnce(ctx context.Context) (domain.RunResult, error) {
	var result domain.RunResult
	now := s.clock.Now().UTC()

	reclaimed, err := s.repo.Reclaim(ctx, s.db, now.Add(-s.lease), now)
	if err != nil {
		return result, err
	}
	result.Reclaimed = int(reclaimed)
	if reclaimed > 0 {
		s.log.Warn("reclaimed expired recompute leases", zap.Int64("count", reclaimed))
	}

	ids, err := s.claim(ctx, now)
	if err != nil {
		return result, err
	}
	result.Claimed = len(ids)
	if len(ids) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			status, err := s.execute(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case domain.StatusDone:
				result.Done++
			case domain.StatusFailedRetryable:
				result.Retried++
			case domain.StatusFailedPermanent:
				result.Failed++
			}
			return err
		})
	}
	err = g.Wait()
	s.reportBacklog(ctx)
	return result, err
}

func (s *Service) claim(ctx context.Context, now time.Time) ([]snowflake.ID, error) {
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	skipLocked := db.SupportsSkipLocked(s.db)

	var claimed []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := s.repo.ListRunnable(ctx, tx, now, s.batchSize, skipLocked)
		if err != nil {
			return err
		}
		for _, id := range ids {
			ok, err := s.repo.Claim(ctx, tx, id, s.workerID, now)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	schedMetrics.ObserveLockWait(obsmetrics.LockResourceRecomputeJobs, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// execute runs one claimed job and records its outcome. The returned error
// is reserved for failures to persist that outcome.
func (s *Service) execute(ctx context.Context, id snowflake.ID) (domain.JobStatus, error) {
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", domain.ErrJobNotFound
	}

	runErr := s.run(ctx, job)
	now := s.clock.Now().UTC()
	log := s.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.String("subject_id", job.SubjectID.String()),
		zap.Int("attempts", job.Attempts),
	)

	var status domain.JobStatus
	switch {
	case runErr == nil:
		status = domain.StatusDone
		err = s.repo.MarkDone(ctx, s.db, job.ID, now)
	case obsmetrics.IsSchedulerErrorRetryable(runErr) && job.Attempts < job.MaxAttempts:
		status = domain.StatusFailedRetryable
		next := now.Add(Backoff(s.backoffBase, job.Attempts))
		err = s.repo.MarkFailed(ctx, s.db, job.ID, status, next, runErr.Error(), now)
		log.Warn("recompute job will retry", zap.Time("next_run_at", next), zap.Error(runErr))
	default:
		status = domain.StatusFailedPermanent
		err = s.repo.MarkFailed(ctx, s.db, job.ID, status, now, runErr.Error(), now)
		log.Error("recompute job failed permanently",
			zap.String("reason", obsmetrics.ClassifySchedulerJobReason(runErr)),
			zap.Error(runErr),
		)
	}
	if err != nil {
		return status, fmt.Errorf("record %s outcome of job %s: %w", status, job.ID, err)
	}
	obsmetrics.Scheduler().IncRecomputeTransition(string(job.Kind), string(status))
	return status, nil
}

func (s *Service) run(parent context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recompute job panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(obscontext.WithActor(parent, obscontext.SystemActor), jobTimeout)
	defer cancel()

	switch job.Kind {
	case domain.KindRankRecheck:
		_, err = s.ranks.Evaluate(ctx, job.SubjectID)
		return err
	case domain.KindCommissionRetry:
		payload, err := decodeSale(job)
		if err != nil {
			return err
		}
		if _, err := s.commission.Process(ctx, payload.SaleID); err != nil {
			return err
		}
		_, err = s.enqueueChain(ctx, job.SubjectID)
		return err
	case domain.KindSaleCorrection:
		payload, err := decodeSale(job)
		if err != nil {
			return err
		}
		if _, err := s.commission.ApplyCorrection(ctx, payload.SaleID, payload.PreviousAttempt); err != nil {
			return err
		}
		_, err = s.enqueueChain(ctx, job.SubjectID)
		return err
	default:
		return domain.ErrInvalidKind
	}
}

func decodeSale(job *domain.Job) (domain.SalePayload, error) {
	var payload domain.SalePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	if payload.SaleID == 0 {
		return payload, fmt.Errorf("%s payload: %w", job.Kind, domain.ErrInvalidSubject)
	}
	return payload, nil
}

// enqueueChain schedules rank rechecks for id and every ancestor whose team
// volume includes id's sales.
func (s *Service) enqueueChain(ctx context.Context, id snowflake.ID) (int, error) {
	depth := 0
	if current := s.policy.Current(); current != nil {
		depth = current.TeamDepth
	}
	ancestors, err := s.network.Ancestors(ctx, id, depth)
	if err != nil {
		return 0, err
	}
	return s.enqueueRechecks(ctx, append([]snowflake.ID{id}, ancestors...))
}

func (s *Service) enqueueRechecks(ctx context.Context, ids []snowflake.ID) (int, error) {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	enqueued := 0
	var errs []error
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		res, err := s.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: id})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !res.Coalesced {
			enqueued++
		}
	}
	return enqueued, errors.Join(errs...)
}

// InFlight reports whether a job or an undispatched event is open for any of
// the distributors.
func (s *Service) InFlight(ctx context.Context, distributorIDs ...snowflake.ID) (bool, error) {
	if len(distributorIDs) == 0 {
		return false, nil
	}
	count, err := s.repo.CountOpenForSubjects(ctx, s.db, distributorIDs)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	return s.outbox.HasPending(ctx, distributorIDs...)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Job, error) {
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) ListOperatorQueue(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListByStatus(ctx, s.db, domain.StatusFailedPermanent, limit)
}

func (s *Service) RequeueJob(ctx context.Context, id snowflake.ID) (*domain.RequeueResult, error) {
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.StatusFailedPermanent {
		return nil, domain.ErrJobNotFailed
	}

	var auditID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.Requeue(ctx, tx, id, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrJobNotFailed
		}
		auditID, err = s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "recompute.requeue",
			TargetType: "recompute_job",
			TargetID:   id.String(),
			Metadata: map[string]any{
				"kind":       job.Kind,
				"subject_id": job.SubjectID.String(),
				"last_error": job.LastError,
				"attempts":   job.Attempts,
			},
		})
		return err
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrJobAlreadyQueued
		}
		return nil, err
	}
	obsmetrics.Scheduler().IncRecomputeTransition(string(job.Kind), string(domain.StatusQueued))

	job, err = s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &domain.RequeueResult{Job: job, AuditID: auditID}, nil
}

func (s *Service) Backlog(ctx context.Context) (map[domain.JobStatus]int64, error) {
	return s.repo.CountByStatus(ctx, s.db)
}

func (s *Service) reportBacklog(ctx context.Context) {
	counts, err := s.Backlog(ctx)
	if err != nil {
		s.log.Warn("recompute backlog unavailable", zap.Error(err))
		return
	}
	schedMetrics := obsmetrics.Scheduler()
	for _, status := range []domain.JobStatus{
		domain.StatusQueued,
		domain.StatusRunning,
		domain.StatusFailedRetryable,
		domain.StatusFailedPermanent,
	} {
		schedMetrics.SetRecomputeBacklog(string(status), counts[status])
	}
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
