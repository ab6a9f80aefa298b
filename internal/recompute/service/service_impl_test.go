package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	commissionrepo "github.com/smallbiznis/uplink/internal/commission/repository"
	commissionservice "github.com/smallbiznis/uplink/internal/commission/service"
	"github.com/smallbiznis/uplink/internal/config"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	rankdomain "github.com/smallbiznis/uplink/internal/rank/domain"
	rankrepo "github.com/smallbiznis/uplink/internal/rank/repository"
	rankservice "github.com/smallbiznis/uplink/internal/rank/service"
	"github.com/smallbiznis/uplink/internal/recompute/domain"
	"github.com/smallbiznis/uplink/internal/recompute/repository"
	"github.com/smallbiznis/uplink/internal/testutil/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{Recompute: config.RecomputeConfig{
		Concurrency: 2,
		BatchSize:   10,
		Debounce:    time.Minute,
		MaxAttempts: 2,
		BackoffBase: time.Second,
		Lease:       time.Minute,
	}}
}

type harness struct {
	*stack.Stack
	svc        *Service
	ranks      rankdomain.Service
	commission commissiondomain.Service
}

type option func(*harness)

func withRanks(r rankdomain.Service) option {
	return func(h *harness) { h.ranks = r }
}

func withCommission(wrap func(commissiondomain.Service) commissiondomain.Service) option {
	return func(h *harness) { h.commission = wrap(h.commission) }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	st := stack.New(t, testConfig())
	h := &harness{Stack: st}
	h.ranks = rankservice.New(rankservice.Params{
		DB: st.DB, Log: st.Log, GenID: st.Node, Clock: st.Clock, Repo: rankrepo.Provide(),
		Network: st.Network, Sales: st.Sales, Policy: st.Policy, Audit: st.Audit,
	})
	h.commission = commissionservice.New(commissionservice.Params{
		DB: st.DB, Log: st.Log, GenID: st.Node, Clock: st.Clock, Repo: commissionrepo.Provide(),
		Locker: st.Locker, Sales: st.Sales, Network: st.Network, Ranks: h.ranks, Policy: st.Policy, Audit: st.Audit,
	})
	for _, opt := range opts {
		opt(h)
	}
	h.svc = New(Params{
		DB:         st.DB,
		Log:        st.Log,
		Cfg:        st.Cfg,
		GenID:      st.Node,
		Clock:      st.Clock,
		Repo:       repository.Provide(),
		Outbox:     st.Outbox,
		Network:    st.Network,
		Ranks:      h.ranks,
		Commission: h.commission,
		Policy:     st.Policy,
		Audit:      st.Audit,
	}).(*Service)
	return h
}

// settle drains the outbox and runs every job that becomes due.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.DrainOutbox(ctx)
	require.NoError(t, err)
	h.Clock.Advance(2 * time.Minute)
	_, err = h.svc.RunOnce(ctx)
	require.NoError(t, err)
}

type flakyRanks struct {
	rankdomain.Service
	failures int32
	calls    atomic.Int32
}

func (f *flakyRanks) Evaluate(_ context.Context, id snowflake.ID) (*rankdomain.Evaluation, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, &rankdomain.ConflictError{DistributorID: id}
	}
	return &rankdomain.Evaluation{DistributorID: id}, nil
}

type flakyCommission struct {
	commissiondomain.Service
	failures atomic.Int32
}

func (f *flakyCommission) Process(ctx context.Context, saleID snowflake.ID) (*commissiondomain.Result, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, &networkdomain.RetryableStoreError{Op: "load chain", Err: errors.New("connection reset")}
	}
	return f.Service.Process(ctx, saleID)
}

func TestDrainOutboxComputesCommissionAndSchedulesRanks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.Root(t, "R")
	a := h.Enroll(t, "A", r.ID)
	sale := h.CompleteSale(t, "order-1", a.ID, 10_000)

	pending, err := h.svc.InFlight(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, pending)

	res, err := h.svc.DrainOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 2, res.Enqueued)

	entries, err := h.commission.SaleEntries(ctx, sale.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	pending, err = h.svc.InFlight(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, pending)

	run, err := h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Claimed, "rechecks wait out the debounce window")

	h.Clock.Advance(2 * time.Minute)
	run, err = h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Claimed)
	assert.Equal(t, 2, run.Done)

	pending, err = h.svc.InFlight(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestEnqueueCoalescesQueuedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.Root(t, "R")

	first, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: r.ID})
	require.NoError(t, err)
	assert.False(t, first.Coalesced)

	second, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: r.ID})
	require.NoError(t, err)
	assert.True(t, second.Coalesced)
	assert.Equal(t, first.Job.ID, second.Job.ID)

	other, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{
		Kind: domain.KindCommissionRetry, SubjectID: r.ID, Payload: domain.SalePayload{SaleID: 7},
	})
	require.NoError(t, err)
	assert.False(t, other.Coalesced)

	_, err = h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: "rebuild", SubjectID: r.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)
	_, err = h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck})
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)

	h.Clock.Advance(2 * time.Minute)
	_, err = h.svc.RunOnce(ctx)
	require.NoError(t, err)

	// once the first job ran a new request queues a fresh one
	third, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: r.ID})
	require.NoError(t, err)
	assert.False(t, third.Coalesced)
	assert.NotEqual(t, first.Job.ID, third.Job.ID)
}

func TestReparentSchedulesBothChains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.Root(t, "R")
	a := h.Enroll(t, "A", r.ID)
	x := h.Enroll(t, "X", r.ID)
	b := h.Enroll(t, "B", a.ID)
	h.settle(t)

	_, err := h.Network.Reparent(ctx, networkdomain.ReparentRequest{ChildID: b.ID, NewParentID: x.ID})
	require.NoError(t, err)

	res, err := h.svc.DrainOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 4, res.Enqueued)

	for _, id := range []snowflake.ID{b.ID, a.ID, x.ID, r.ID} {
		pending, err := h.svc.InFlight(ctx, id)
		require.NoError(t, err)
		assert.True(t, pending, id.String())
	}

	backlog, err := h.svc.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), backlog[domain.StatusQueued])
}

func TestPermanentFailureReachesOperatorQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queued, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: 424242})
	require.NoError(t, err)

	h.Clock.Advance(2 * time.Minute)
	run, err := h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed)

	failed, err := h.svc.ListOperatorQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, queued.Job.ID, failed[0].ID)
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, "distributor_not_found")

	requeued, err := h.svc.RequeueJob(ctx, queued.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, requeued.Job.Status)
	assert.Zero(t, requeued.Job.Attempts)
	assert.NotEmpty(t, requeued.AuditID)

	_, err = h.svc.RequeueJob(ctx, queued.Job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFailed)
	_, err = h.svc.RequeueJob(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRetryableFailureBacksOffThenSucceeds(t *testing.T) {
	ranks := &flakyRanks{failures: 1}
	h := newHarness(t, withRanks(ranks))
	ctx := context.Background()

	queued, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: 99})
	require.NoError(t, err)
	h.Clock.Advance(2 * time.Minute)

	run, err := h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Retried)

	job, err := h.svc.Get(ctx, queued.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedRetryable, job.Status)
	assert.Equal(t, h.Clock.Now().Add(time.Second), job.NextRunAt.UTC())

	run, err = h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Claimed)

	h.Clock.Advance(time.Second)
	run, err = h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Done)

	job, err = h.svc.Get(ctx, queued.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	h := newHarness(t, withRanks(&flakyRanks{failures: 10}))
	ctx := context.Background()

	queued, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: 99})
	require.NoError(t, err)

	h.Clock.Advance(2 * time.Minute)
	_, err = h.svc.RunOnce(ctx)
	require.NoError(t, err)
	h.Clock.Advance(time.Minute)
	run, err := h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed)

	job, err := h.svc.Get(ctx, queued.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedPermanent, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestFailedCommissionIsParkedAndRetried(t *testing.T) {
	var flaky *flakyCommission
	h := newHarness(t, withCommission(func(inner commissiondomain.Service) commissiondomain.Service {
		flaky = &flakyCommission{Service: inner}
		return flaky
	}))
	ctx := context.Background()

	r := h.Root(t, "R")
	sale := h.CompleteSale(t, "order-1", r.ID, 5_000)
	flaky.failures.Store(1)

	res, err := h.svc.DrainOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 1, res.Enqueued)

	entries, err := h.commission.SaleEntries(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	run, err := h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Done)

	entries, err = h.commission.SaleEntries(ctx, sale.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// the retry scheduled the owner's rank recheck
	pending, err := h.svc.InFlight(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestRunOnceReclaimsExpiredLease(t *testing.T) {
	h := newHarness(t, withRanks(&flakyRanks{}))
	ctx := context.Background()

	queued, err := h.svc.Enqueue(ctx, nil, domain.EnqueueRequest{Kind: domain.KindRankRecheck, SubjectID: 5})
	require.NoError(t, err)
	h.Clock.Advance(2 * time.Minute)

	ok, err := h.svc.repo.Claim(ctx, h.DB, queued.Job.ID, "crashed-worker", h.Clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	run, err := h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Reclaimed, "lease still valid")
	assert.Zero(t, run.Claimed)

	h.Clock.Advance(2 * time.Minute)
	run, err = h.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Reclaimed)
	assert.Equal(t, 1, run.Done)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(10*time.Second, 0))
	assert.Equal(t, 10*time.Second, Backoff(10*time.Second, 1))
	assert.Equal(t, 40*time.Second, Backoff(10*time.Second, 3))
	assert.Equal(t, time.Hour, Backoff(10*time.Second, 20))
}
