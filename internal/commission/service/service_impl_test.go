package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/commission/domain"
	"github.com/smallbiznis/uplink/internal/commission/repository"
	"github.com/smallbiznis/uplink/internal/config"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	rankrepo "github.com/smallbiznis/uplink/internal/rank/repository"
	rankservice "github.com/smallbiznis/uplink/internal/rank/service"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	"github.com/smallbiznis/uplink/internal/testutil/stack"
	"github.com/smallbiznis/uplink/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioPolicy() policydomain.Document {
	return policydomain.Document{
		Version:         "scenario-1",
		EffectiveFrom:   "2000-01-01T00:00:00Z",
		MaxDepth:        3,
		TeamDepth:       5,
		WindowDays:      30,
		MaxTotalPercent: "17",
		Levels: []policydomain.LevelDocument{
			{Level: 0, Default: "10"},
			{Level: 1, Default: "5"},
			{Level: 2, Default: "2"},
		},
		Ranks: []policydomain.RankDocument{
			{Code: "bronze", Name: "Bronze", MaxLevel: 2},
		},
	}
}

func newCommissionService(t *testing.T, doc policydomain.Document) (*Service, *stack.Stack) {
	t.Helper()
	st := stack.New(t, config.Config{})
	st.PublishPolicy(t, doc)
	ranks := rankservice.New(rankservice.Params{
		DB: st.DB, Log: st.Log, GenID: st.Node, Clock: st.Clock, Repo: rankrepo.Provide(),
		Network: st.Network, Sales: st.Sales, Policy: st.Policy, Audit: st.Audit,
	})
	svc := New(Params{
		DB:      st.DB,
		Log:     st.Log,
		GenID:   st.Node,
		Clock:   st.Clock,
		Repo:    repository.Provide(),
		Locker:  st.Locker,
		Sales:   st.Sales,
		Network: st.Network,
		Ranks:   ranks,
		Policy:  st.Policy,
		Audit:   st.Audit,
	}).(*Service)
	return svc, st
}

type line struct {
	beneficiary snowflake.ID
	level       int
	amount      int64
}

func lines(entries []domain.Entry) []line {
	out := make([]line, 0, len(entries))
	for _, e := range entries {
		out = append(out, line{beneficiary: e.BeneficiaryID, level: e.Level, amount: e.Amount})
	}
	return out
}

func TestThreeLevelScenario(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)
	b := st.Enroll(t, "B", a.ID)
	sale := st.CompleteSale(t, "order-1", b.ID, 10_000)

	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.OutcomeApplied, res.Run.Outcome)
	assert.Equal(t, "scenario-1", res.Run.PolicyVersion)
	assert.Equal(t, []line{
		{b.ID, 0, 1000},
		{a.ID, 1, 500},
		{r.ID, 2, 200},
	}, lines(res.Entries))

	again, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Run.ID, again.Run.ID)

	stored, err := svc.SaleEntries(ctx, sale.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestReversalOffsetsToZero(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)
	sale := st.CompleteSale(t, "order-1", a.ID, 10_000)

	_, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)

	before, err := svc.Totals(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, int64(1000), before[0].Amount)

	st.ReverseSale(t, "order-1")
	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	for _, e := range res.Entries {
		assert.Equal(t, domain.KindReversal, e.Kind)
		assert.Negative(t, e.Amount)
	}

	entries, err := svc.SaleEntries(ctx, sale.ID)
	require.NoError(t, err)
	perLevel := map[int]int64{}
	for _, e := range entries {
		perLevel[e.Level] += e.Amount
	}
	assert.Equal(t, map[int]int64{0: 0, 1: 0}, perLevel)

	after, err := svc.Totals(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Zero(t, after[0].Amount)

	dup, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestReversalBeforeCreditSupersedes(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	sale := st.CompleteSale(t, "order-1", r.ID, 10_000)
	st.ReverseSale(t, "order-1")

	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuperseded, res.Run.Outcome)
	assert.Empty(t, res.Entries)

	entries, err := svc.SaleEntries(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReparentKeepsEarlierEntries(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)
	x := st.Enroll(t, "X", r.ID)
	b := st.Enroll(t, "B", a.ID)

	first := st.CompleteSale(t, "order-1", b.ID, 10_000)
	_, err := svc.Process(ctx, first.ID)
	require.NoError(t, err)

	st.Clock.Advance(time.Hour)
	_, err = st.Network.Reparent(ctx, networkdomain.ReparentRequest{ChildID: b.ID, NewParentID: x.ID})
	require.NoError(t, err)

	entries, err := svc.SaleEntries(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []line{{b.ID, 0, 1000}, {a.ID, 1, 500}, {r.ID, 2, 200}}, lines(entries))

	second := st.CompleteSale(t, "order-2", b.ID, 10_000)
	res, err := svc.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []line{{b.ID, 0, 1000}, {x.ID, 1, 500}, {r.ID, 2, 200}}, lines(res.Entries))

	// A correction of the first sale still pays the original upline.
	corrected, err := st.Sales.Correct(ctx, saledomain.CorrectRequest{SaleID: first.ID, NewAmount: 20_000})
	require.NoError(t, err)
	results, err := svc.ApplyCorrection(ctx, first.ID, corrected.Correction.PreviousAttempt)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []line{{b.ID, 0, -1000}, {a.ID, 1, -500}, {r.ID, 2, -200}}, lines(results[0].Entries))
	assert.Equal(t, []line{{b.ID, 0, 2000}, {a.ID, 1, 1000}, {r.ID, 2, 400}}, lines(results[1].Entries))
	assert.Equal(t, 2, results[1].Run.AttemptVersion)
}

func TestReparentBeforePassPaysUplineAtCompletion(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)
	c := st.Enroll(t, "C", r.ID)
	b := st.Enroll(t, "B", a.ID)

	sale := st.CompleteSale(t, "order-1", b.ID, 10_000)

	st.Clock.Advance(time.Minute)
	_, err := st.Network.Reparent(ctx, networkdomain.ReparentRequest{ChildID: b.ID, NewParentID: c.ID})
	require.NoError(t, err)

	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, []line{{b.ID, 0, 1000}, {a.ID, 1, 500}, {r.ID, 2, 200}}, lines(res.Entries))

	stored, err := st.Sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	chain, ok, err := stored.ChainIDs()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []snowflake.ID{b.ID, a.ID, r.ID}, chain)
}

func TestSaleStampedBeforeEnrollmentUsesEnrollmentChain(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)

	res, err := st.Sales.HandleEvent(ctx, saledomain.Event{
		ExternalID:    "order-early",
		Type:          saledomain.EventCompleted,
		DistributorID: a.ID,
		Amount:        10_000,
		Currency:      "USD",
		OccurredAt:    st.Clock.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	out, err := svc.Process(ctx, res.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, []line{{a.ID, 0, 1000}, {r.ID, 1, 500}}, lines(out.Entries))
}

func TestDepthCapAndPercentCap(t *testing.T) {
	doc := scenarioPolicy()
	doc.Levels[2].Default = "5"
	svc, st := newCommissionService(t, doc)
	ctx := context.Background()

	parent := st.Root(t, "L0").ID
	var chain []snowflake.ID
	for i := 1; i <= 4; i++ {
		node := st.Enroll(t, fmt.Sprintf("L%d", i), parent)
		chain = append([]snowflake.ID{node.ID}, chain...)
		parent = node.ID
	}
	sale := st.CompleteSale(t, "order-1", parent, 10_000)

	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, "10", res.Entries[0].Percent)
	assert.Equal(t, "5", res.Entries[1].Percent)
	assert.Equal(t, "2", res.Entries[2].Percent)
	assert.Equal(t, int64(200), res.Entries[2].Amount)
	assert.Equal(t, chain[:3], []snowflake.ID{res.Entries[0].BeneficiaryID, res.Entries[1].BeneficiaryID, res.Entries[2].BeneficiaryID})
}

func TestMaxLevelGatesByRank(t *testing.T) {
	doc := scenarioPolicy()
	doc.Ranks[0].MaxLevel = 0
	svc, st := newCommissionService(t, doc)
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)
	sale := st.CompleteSale(t, "order-1", a.ID, 10_000)

	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, []line{{a.ID, 0, 1000}}, lines(res.Entries))
}

func TestInactiveUplineIsSkipped(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)
	b := st.Enroll(t, "B", a.ID)
	_, err := st.Network.SetStatus(ctx, networkdomain.SetStatusRequest{ID: a.ID, Status: networkdomain.StatusSuspended})
	require.NoError(t, err)

	sale := st.CompleteSale(t, "order-1", b.ID, 10_000)
	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, []line{{b.ID, 0, 1000}, {r.ID, 2, 200}}, lines(res.Entries))
}

func TestMissingPercentageRecordsGap(t *testing.T) {
	doc := scenarioPolicy()
	doc.Ranks = append(doc.Ranks, policydomain.RankDocument{Code: "gold", Name: "Gold", MaxLevel: 2, MinPersonalVolume: 1})
	doc.Levels[1] = policydomain.LevelDocument{Level: 1, ByRank: map[string]string{"gold": "7"}}
	svc, st := newCommissionService(t, doc)
	ctx := context.Background()

	r := st.Root(t, "R")
	a := st.Enroll(t, "A", r.ID)
	sale := st.CompleteSale(t, "order-1", a.ID, 10_000)

	res, err := svc.Process(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, []line{{a.ID, 0, 1000}}, lines(res.Entries))
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, 1, res.Gaps[0].Level)
	assert.Equal(t, "bronze", res.Gaps[0].Rank)
	assert.Equal(t, 1, res.Run.GapCount)

	gaps, err := svc.SaleGaps(ctx, sale.ID)
	require.NoError(t, err)
	assert.Len(t, gaps, 1)
}

func TestRoundsHalfEven(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	low := st.CompleteSale(t, "order-25", r.ID, 25)
	high := st.CompleteSale(t, "order-35", r.ID, 35)

	res, err := svc.Process(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Entries[0].Amount)

	res, err = svc.Process(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Entries[0].Amount)
}

func TestPendingSaleIsNotSettled(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	res, err := st.Sales.HandleEvent(ctx, saledomain.Event{
		ExternalID: "order-1", Type: saledomain.EventCreated, DistributorID: r.ID, Amount: 100, Currency: "USD",
	})
	require.NoError(t, err)

	_, err = svc.Process(ctx, res.Sale.ID)
	assert.ErrorIs(t, err, domain.ErrSaleNotSettled)
}

func TestListEntriesPaginates(t *testing.T) {
	svc, st := newCommissionService(t, scenarioPolicy())
	ctx := context.Background()

	r := st.Root(t, "R")
	for i := 0; i < 5; i++ {
		sale := st.CompleteSale(t, fmt.Sprintf("order-%d", i), r.ID, 1000)
		_, err := svc.Process(ctx, sale.ID)
		require.NoError(t, err)
		st.Clock.Advance(time.Minute)
	}

	page, err := svc.ListEntries(ctx, domain.ListEntriesRequest{
		DistributorID: r.ID,
		Pagination:    pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)

	seen := map[snowflake.ID]bool{}
	for _, e := range page.Entries {
		seen[e.ID] = true
	}
	for page.HasMore {
		page, err = svc.ListEntries(ctx, domain.ListEntriesRequest{
			DistributorID: r.ID,
			Pagination:    pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken},
		})
		require.NoError(t, err)
		for _, e := range page.Entries {
			assert.False(t, seen[e.ID])
			seen[e.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	_, err = svc.ListEntries(ctx, domain.ListEntriesRequest{
		DistributorID: r.ID,
		Pagination:    pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
