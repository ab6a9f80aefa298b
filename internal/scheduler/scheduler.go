package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/uplink/internal/clock"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	obsmetrics "github.com/smallbiznis/uplink/internal/observability/metrics"
	"github.com/smallbiznis/uplink/internal/observability/push"
	rankdomain "github.com/smallbiznis/uplink/internal/rank/domain"
	recomputedomain "github.com/smallbiznis/uplink/internal/recompute/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobOutboxDrain   = "outbox_drain"
	JobRecomputeRun  = "recompute_run"
	JobRankSweep     = "rank_sweep"
	JobRankBonus     = "rank_bonus"
	JobMetricsPush   = "metrics_push"
	defaultJobBudget = 30 * time.Second
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type scheduledJob struct {
	Name string
	Run  func(context.Context) error
}

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Recompute recomputedomain.Service
	Ranks     rankdomain.Service
	Bonuses   commissiondomain.Service `optional:"true"`
	Pusher    push.Pusher              `optional:"true"`
	Gatherer  prometheus.Gatherer      `optional:"true"`
	Config    Config                   `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	recompute recomputedomain.Service
	ranks     rankdomain.Service
	bonuses   commissiondomain.Service
	pusher    push.Pusher
	gatherer  prometheus.Gatherer

	mu          sync.Mutex
	sweepCursor snowflake.ID
	nextSweepAt time.Time
	// bonusPeriod is the last month whose bonuses were granted.
	bonusPeriod time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Recompute == nil || p.Ranks == nil {
		return nil, ErrInvalidConfig
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		recompute: p.Recompute,
		ranks:     p.Ranks,
		bonuses:   p.Bonuses,
		pusher:    p.Pusher,
		gatherer:  gatherer,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, obscontext.SystemActor)
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next cycle resumes the work.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one scheduler cycle: deliver outbox events, run due
// recompute jobs, sweep ranks when the sweep is due and push metrics. Rank
// bonuses for the previous month are granted once the month has closed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []scheduledJob{
		{JobOutboxDrain, func(ctx context.Context) error {
			return s.runJob(ctx, JobOutboxDrain, 0, defaultJobBudget, s.OutboxDrainJob)
		}},
		{JobRecomputeRun, func(ctx context.Context) error {
			return s.runJob(ctx, JobRecomputeRun, 0, defaultJobBudget, s.RecomputeJob)
		}},
		{JobRankSweep, func(ctx context.Context) error {
			return s.runJob(ctx, JobRankSweep, s.cfg.RankSweepBatch, 5*time.Minute, s.RankSweepJob)
		}},
	}

	if s.bonuses != nil {
		jobs = append(jobs, scheduledJob{JobRankBonus, func(ctx context.Context) error {
			return s.runJob(ctx, JobRankBonus, 0, 5*time.Minute, s.RankBonusJob)
		}})
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}

	if s.pusher != nil && s.isJobEnabled(JobMetricsPush) {
		err = errors.Join(err, s.runJob(parent, JobMetricsPush, 0, 10*time.Second, func(ctx context.Context) error {
			return s.pusher.Push(ctx, s.gatherer)
		}))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	for _, disabled := range s.cfg.DisabledJobs {
		if strings.EqualFold(strings.TrimSpace(disabled), jobName) {
			return false
		}
	}
	return true
}

func (s *Scheduler) OutboxDrainJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	res, err := s.recompute.DrainOutbox(ctx)
	run.AddProcessed(res.Dispatched)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobOutboxDrain, obsmetrics.LockResourceOutboxEvents, res.Dispatched)
	if res.Retried > 0 || res.Failed > 0 {
		s.logger(ctx).Warn("scheduler.outbox.undelivered",
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("jobs_enqueued", res.Enqueued),
		)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.outbox.drain.failed", JobOutboxDrain, err)
	}
	return err
}

func (s *Scheduler) RecomputeJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	res, err := s.recompute.RunOnce(ctx)
	run.AddProcessed(res.Done)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobRecomputeRun, obsmetrics.LockResourceRecomputeJobs, res.Claimed)
	if res.Claimed == 0 && res.Reclaimed == 0 {
		schedMetrics.IncBatchDeferred(JobRecomputeRun, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
	}
	if res.Failed > 0 {
		s.logger(ctx).Warn("scheduler.recompute.permanent_failures",
			zap.Int("failed", res.Failed),
			zap.Int("retried", res.Retried),
		)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.recompute.run.failed", JobRecomputeRun, err)
	}
	return err
}

// RankSweepJob re-evaluates every distributor in id order once per
// RankSweepEvery so decay is applied without new input. A sweep cut short
// by the job budget resumes from its cursor on the next cycle.
func (s *Scheduler) RankSweepJob(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Before(s.nextSweepAt) {
		return nil
	}
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.ranks.Sweep(ctx, s.sweepCursor, s.cfg.RankSweepBatch)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.rank.sweep.failed", JobRankSweep, err,
				zap.String("cursor", s.sweepCursor.String()),
			)
			return err
		}
		run.AddProcessed(res.Evaluated)
		schedMetrics.AddBatchProcessed(JobRankSweep, "distributors", res.Evaluated)
		if res.Changed > 0 {
			s.logger(ctx).Info("scheduler.rank.sweep.changed",
				zap.Int("evaluated", res.Evaluated),
				zap.Int("changed", res.Changed),
			)
		}
		if res.Done {
			s.sweepCursor = 0
			s.nextSweepAt = now.Add(s.cfg.RankSweepEvery)
			return nil
		}
		s.sweepCursor = res.NextID
	}
}

// RankBonusJob grants the bonuses of the month that just closed. Grants are
// idempotent per distributor and month, so a restart only repeats a no-op.
func (s *Scheduler) RankBonusJob(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	period := commissiondomain.PeriodOf(s.clock.Now()).AddDate(0, -1, 0)
	if s.bonusPeriod.Equal(period) {
		return nil
	}
	run := jobRunFromContext(ctx)
	res, err := s.bonuses.GrantRankBonuses(ctx, period)
	run.AddProcessed(res.Granted)
	obsmetrics.Scheduler().AddBatchProcessed(JobRankBonus, "distributors", res.Evaluated)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.rank.bonus.failed", JobRankBonus, err,
			zap.Time("period", period),
		)
		return err
	}
	if res.Granted > 0 {
		s.logger(ctx).Info("scheduler.rank.bonus.granted",
			zap.Time("period", period),
			zap.Int("granted", res.Granted),
			zap.Int("existing", res.Existing),
		)
	}
	s.bonusPeriod = period
	return nil
}
