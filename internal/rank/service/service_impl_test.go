package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/rank/domain"
	"github.com/smallbiznis/uplink/internal/rank/repository"
	"github.com/smallbiznis/uplink/internal/testutil/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRankService(st *stack.Stack) *Service {
	return New(Params{
		DB:      st.DB,
		Log:     st.Log,
		GenID:   st.Node,
		Clock:   st.Clock,
		Repo:    repository.Provide(),
		Network: st.Network,
		Sales:   st.Sales,
		Policy:  st.Policy,
		Audit:   st.Audit,
	}).(*Service)
}

func TestPromotionThenDecay(t *testing.T) {
	st := stack.New(t, config.Config{})
	svc := newRankService(st)
	ctx := context.Background()

	root := st.Root(t, "ROOT")
	leader := st.Enroll(t, "LEAD", root.ID)
	for i := 0; i < 5; i++ {
		member := st.Enroll(t, fmt.Sprintf("M%d", i), leader.ID)
		st.CompleteSale(t, fmt.Sprintf("team-%d", i), member.ID, 100_000)
	}
	st.CompleteSale(t, "own-1", leader.ID, 100_000)

	eval, err := svc.Evaluate(ctx, leader.ID)
	require.NoError(t, err)
	assert.True(t, eval.Changed)
	assert.Equal(t, "bronze", eval.PreviousRank)
	assert.Equal(t, "silver", eval.Rank)
	assert.Equal(t, int64(100_000), eval.PersonalVolume)
	assert.Equal(t, int64(500_000), eval.TeamVolume)
	assert.Equal(t, 5, eval.TeamSize)
	assert.Equal(t, 5, eval.DirectCount)

	node, err := st.Network.Get(ctx, leader.ID)
	require.NoError(t, err)
	assert.Equal(t, "silver", node.Rank)

	promotedAt := st.Clock.Now()
	again, err := svc.Evaluate(ctx, leader.ID)
	require.NoError(t, err)
	assert.False(t, again.Changed)

	st.Clock.Advance(31 * 24 * time.Hour)
	decayed, err := svc.Evaluate(ctx, leader.ID)
	require.NoError(t, err)
	assert.True(t, decayed.Changed)
	assert.Equal(t, "bronze", decayed.Rank)
	assert.Zero(t, decayed.PersonalVolume)

	history, err := svc.History(ctx, leader.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "silver", history[0].Rank)
	assert.Equal(t, "bronze", history[1].Rank)

	before, err := svc.RankAt(ctx, leader.ID, promotedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "bronze", before)

	during, err := svc.RankAt(ctx, leader.ID, promotedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "silver", during)

	now, err := svc.RankAt(ctx, leader.ID, st.Clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "bronze", now)
}

func TestEvaluateUnknownDistributor(t *testing.T) {
	st := stack.New(t, config.Config{})
	svc := newRankService(st)

	_, err := svc.Evaluate(context.Background(), 12345)
	assert.Error(t, err)
}

func TestSweepWalksAllDistributors(t *testing.T) {
	st := stack.New(t, config.Config{})
	svc := newRankService(st)
	ctx := context.Background()

	root := st.Root(t, "ROOT")
	for i := 0; i < 4; i++ {
		st.Enroll(t, fmt.Sprintf("D%d", i), root.ID)
	}

	res, err := svc.Sweep(ctx, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evaluated)
	assert.False(t, res.Done)

	res, err = svc.Sweep(ctx, res.NextID, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evaluated)
	assert.True(t, res.Done)
	assert.Zero(t, res.Changed)

	_, err = svc.Sweep(ctx, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSweep)
}
