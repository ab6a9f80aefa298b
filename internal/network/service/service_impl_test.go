package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditrepo "github.com/smallbiznis/uplink/internal/audit/repository"
	auditservice "github.com/smallbiznis/uplink/internal/audit/service"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/lock"
	"github.com/smallbiznis/uplink/internal/network/domain"
	"github.com/smallbiznis/uplink/internal/network/repository"
	outboxdomain "github.com/smallbiznis/uplink/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/uplink/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/uplink/internal/outbox/service"
	policyrepo "github.com/smallbiznis/uplink/internal/policy/repository"
	policyservice "github.com/smallbiznis/uplink/internal/policy/service"
	"github.com/smallbiznis/uplink/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type harness struct {
	svc    *Service
	db     *gorm.DB
	clock  *clock.FakeClock
	outbox outboxdomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	log := zaptest.NewLogger(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{}

	policySvc, err := policyservice.New(policyservice.Params{
		DB: db, Log: log, Cfg: cfg, GenID: node, Clock: fake, Repo: policyrepo.Provide(),
	})
	require.NoError(t, err)
	outboxSvc := outboxservice.New(outboxservice.Params{
		DB: db, Log: log, Cfg: cfg, GenID: node, Clock: fake, Repo: outboxrepo.Provide(),
	})

	svc := New(Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Repo:   repository.Provide(),
		Locker: lock.NewLocalLocker(time.Second),
		Audit: auditservice.NewService(auditservice.Params{
			DB: db, Log: log, Clock: fake, Repo: auditrepo.Provide(),
		}),
		Outbox: outboxSvc,
		Policy: policySvc,
	}).(*Service)
	return &harness{svc: svc, db: db, clock: fake, outbox: outboxSvc}
}

func (h *harness) root(t *testing.T) *domain.Distributor {
	t.Helper()
	res, err := h.svc.CreateRoot(context.Background(), domain.CreateRootRequest{Code: "ROOT", Name: "Root"})
	require.NoError(t, err)
	return res.Distributor
}

func (h *harness) enroll(t *testing.T, code string, parent snowflake.ID) *domain.Distributor {
	t.Helper()
	res, err := h.svc.Enroll(context.Background(), domain.EnrollRequest{Code: code, Name: "Distributor " + code, ParentID: parent})
	require.NoError(t, err)
	return res.Distributor
}

func TestEnrollBuildsChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	root := h.root(t)
	a := h.enroll(t, "A", root.ID)
	b := h.enroll(t, "B", a.ID)
	c := h.enroll(t, "C", b.ID)

	assert.Equal(t, "bronze", c.Rank)
	assert.Equal(t, domain.StatusActive, c.Status)
	assert.Equal(t, 1, c.EdgeVersion)

	chain, err := h.svc.Ancestors(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{b.ID, a.ID, root.ID}, chain)

	bounded, err := h.svc.Ancestors(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{b.ID, a.ID}, bounded)

	rootChain, err := h.svc.Ancestors(ctx, root.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, rootChain)

	edges, err := h.svc.EdgeHistory(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, []snowflake.ID{b.ID, a.ID, root.ID}, []snowflake.ID(edges[0].Path))
	assert.Nil(t, edges[0].ValidTo)

	pending, err := h.outbox.HasPending(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestCreateRootOnlyOnce(t *testing.T) {
	h := newHarness(t)
	h.root(t)

	_, err := h.svc.CreateRoot(context.Background(), domain.CreateRootRequest{Code: "ROOT2", Name: "Other"})
	assert.ErrorIs(t, err, domain.ErrRootExists)
}

func TestEnrollValidation(t *testing.T) {
	h := newHarness(t)
	root := h.root(t)
	ctx := context.Background()

	_, err := h.svc.Enroll(ctx, domain.EnrollRequest{Code: " ", Name: "x", ParentID: root.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidCode)

	_, err = h.svc.Enroll(ctx, domain.EnrollRequest{Code: "X", Name: "", ParentID: root.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = h.svc.Enroll(ctx, domain.EnrollRequest{Code: "X", Name: "x", ParentID: 12345})
	assert.ErrorIs(t, err, domain.ErrParentNotFound)
}

func TestEnrollDuplicateAndCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)
	a := h.enroll(t, "A", root.ID)
	b := h.enroll(t, "B", a.ID)
	other := h.enroll(t, "O", root.ID)

	_, err := h.svc.Enroll(ctx, domain.EnrollRequest{Code: "B", Name: "again", ParentID: other.ID})
	var dup *domain.DuplicateEnrollmentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, a.ID, dup.ParentID)

	// A beneath its own descendant.
	_, err = h.svc.Enroll(ctx, domain.EnrollRequest{ChildID: a.ID, Code: "A", Name: "A", ParentID: b.ID})
	var cycle *domain.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, a.ID, cycle.ChildID)

	_, err = h.svc.Enroll(ctx, domain.EnrollRequest{ChildID: b.ID, Code: "B", Name: "B", ParentID: b.ID})
	require.ErrorAs(t, err, &cycle)
}

func TestReparentMovesSubtree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)
	a := h.enroll(t, "A", root.ID)
	b := h.enroll(t, "B", a.ID)
	c := h.enroll(t, "C", b.ID)
	x := h.enroll(t, "X", root.ID)

	before := h.clock.Now()
	h.clock.Advance(time.Hour)

	res, err := h.svc.Reparent(ctx, domain.ReparentRequest{ChildID: b.ID, NewParentID: x.ID, Reason: "sponsor change"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.EdgeVersion)
	assert.NotEmpty(t, res.AuditID)

	chain, err := h.svc.Ancestors(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{b.ID, x.ID, root.ID}, chain)

	historic, err := h.svc.AncestorsAt(ctx, c.ID, before, 0)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{b.ID, a.ID, root.ID}, historic)

	now, err := h.svc.AncestorsAt(ctx, c.ID, h.clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, chain, now)

	edges, err := h.svc.EdgeHistory(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	require.NotNil(t, edges[0].ValidTo)
	assert.True(t, edges[0].ValidTo.Equal(edges[1].ValidFrom))
	assert.Equal(t, x.ID, edges[1].ParentID)
}

func TestReparentNoopAndRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)
	a := h.enroll(t, "A", root.ID)
	b := h.enroll(t, "B", a.ID)

	res, err := h.svc.Reparent(ctx, domain.ReparentRequest{ChildID: b.ID, NewParentID: a.ID})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, res.EdgeVersion)

	_, err = h.svc.Reparent(ctx, domain.ReparentRequest{ChildID: root.ID, NewParentID: a.ID})
	assert.ErrorIs(t, err, domain.ErrRootNotMovable)

	var cycle *domain.CycleError
	_, err = h.svc.Reparent(ctx, domain.ReparentRequest{ChildID: a.ID, NewParentID: b.ID})
	require.ErrorAs(t, err, &cycle)
	_, err = h.svc.Reparent(ctx, domain.ReparentRequest{ChildID: a.ID, NewParentID: a.ID})
	require.ErrorAs(t, err, &cycle)

	chain, err := h.svc.Ancestors(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{a.ID, root.ID}, chain)
}

func TestReparentLockTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)
	a := h.enroll(t, "A", root.ID)
	b := h.enroll(t, "B", root.ID)

	h.svc.locker = lock.NewLocalLocker(20 * time.Millisecond)
	release, err := h.svc.locker.Acquire(ctx, lock.DistributorKey(root.ID))
	require.NoError(t, err)
	defer release()

	_, err = h.svc.Reparent(ctx, domain.ReparentRequest{ChildID: b.ID, NewParentID: a.ID})
	var cme *domain.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	assert.True(t, cme.Retryable())
}

func TestEnrollLocksAncestorsBeyondCommissionDepth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)

	parent := root.ID
	for i := 0; i < h.svc.policy.Current().MaxDepth+2; i++ {
		parent = h.enroll(t, fmt.Sprintf("L%d", i), parent).ID
	}

	h.svc.locker = lock.NewLocalLocker(20 * time.Millisecond)
	release, err := h.svc.locker.Acquire(ctx, lock.DistributorKey(root.ID))
	require.NoError(t, err)

	_, err = h.svc.Enroll(ctx, domain.EnrollRequest{Code: "LEAF", Name: "Leaf", ParentID: parent})
	var cme *domain.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)

	release()
	res, err := h.svc.Enroll(ctx, domain.EnrollRequest{Code: "LEAF", Name: "Leaf", ParentID: parent})
	require.NoError(t, err)

	edges, err := h.svc.EdgeHistory(ctx, res.Distributor.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	path := []snowflake.ID(edges[0].Path)
	assert.Equal(t, root.ID, path[len(path)-1])
	assert.Len(t, path, h.svc.policy.Current().MaxDepth+3)
}

func TestAncestorsDetectsOrphan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)
	a := h.enroll(t, "A", root.ID)

	require.NoError(t, h.db.Exec(`UPDATE distributors SET parent_id = ? WHERE id = ?`, 999, a.ID).Error)

	_, err := h.svc.Ancestors(ctx, a.ID, 0)
	var are *domain.AncestorResolutionError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, snowflake.ID(999), are.MissingID)
}

func TestTeamAndCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)
	a := h.enroll(t, "A", root.ID)
	h.enroll(t, "A1", a.ID)
	a2 := h.enroll(t, "A2", a.ID)
	h.enroll(t, "A2X", a2.ID)
	h.enroll(t, "B", root.ID)

	direct, err := h.svc.DirectCount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, direct)

	total, err := h.svc.DescendantCount(ctx, root.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	shallow, err := h.svc.DescendantCount(ctx, root.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, shallow)

	team, err := h.svc.Team(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "A", team.Code)
	require.Len(t, team.Children, 2)
	var codes []string
	for _, child := range team.Children {
		codes = append(codes, child.Code)
		assert.Equal(t, 1, child.Depth)
	}
	assert.ElementsMatch(t, []string{"A1", "A2"}, codes)
}

func TestSetStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)
	a := h.enroll(t, "A", root.ID)

	res, err := h.svc.SetStatus(ctx, domain.SetStatusRequest{ID: a.ID, Status: domain.StatusInactive})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AuditID)

	got, err := h.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, got.Status)

	_, err = h.svc.SetStatus(ctx, domain.SetStatusRequest{ID: a.ID, Status: "retired"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestConcurrentReparentsStayAcyclic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.root(t)

	ids := []snowflake.ID{root.ID}
	for i := 0; i < 12; i++ {
		parent := ids[i/2]
		ids = append(ids, h.enroll(t, fmt.Sprintf("N%02d", i), parent).ID)
	}

	rng := rand.New(rand.NewSource(7))
	type move struct{ child, parent snowflake.ID }
	moves := make([]move, 40)
	for i := range moves {
		moves[i] = move{child: ids[1+rng.Intn(len(ids)-1)], parent: ids[rng.Intn(len(ids))]}
	}

	var wg sync.WaitGroup
	for _, m := range moves {
		wg.Add(1)
		go func(m move) {
			defer wg.Done()
			_, err := h.svc.Reparent(ctx, domain.ReparentRequest{ChildID: m.child, NewParentID: m.parent})
			var cycle *domain.CycleError
			var cme *domain.ConcurrentModificationError
			if err != nil && !errors.As(err, &cycle) && !errors.As(err, &cme) {
				assert.NoError(t, err)
			}
		}(m)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		chain, err := h.svc.Ancestors(ctx, id, 0)
		require.NoError(t, err)
		require.NotEmpty(t, chain)
		assert.Equal(t, root.ID, chain[len(chain)-1], "chain of %s must end at the root", id)
		assert.NotContains(t, chain, id)
	}
}
