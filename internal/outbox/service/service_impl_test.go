package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/outbox/domain"
	"github.com/smallbiznis/uplink/internal/outbox/repository"
	"github.com/smallbiznis/uplink/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, maxAttempts int) (*Service, *clock.FakeClock) {
	t.Helper()
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	cfg := config.Config{Recompute: config.RecomputeConfig{
		MaxAttempts: maxAttempts,
		BackoffBase: time.Second,
		Lease:       time.Minute,
	}}
	svc := New(Params{
		DB:    testutil.OpenDB(t),
		Log:   zaptest.NewLogger(t),
		Cfg:   cfg,
		GenID: testutil.NewNode(t),
		Clock: fake,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, fake
}

func TestPublishAndDispatch(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()
	subject := snowflake.ID(77)

	_, err := svc.Publish(ctx, nil, domain.TopicSaleCompleted, subject, map[string]any{"sale_id": "9"})
	require.NoError(t, err)

	pending, err := svc.HasPending(ctx, subject)
	require.NoError(t, err)
	assert.True(t, pending)

	var seen []domain.Event
	res, err := svc.Dispatch(ctx, 10, func(_ context.Context, ev domain.Event) error {
		seen = append(seen, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	require.Len(t, seen, 1)
	assert.Equal(t, domain.TopicSaleCompleted, seen[0].Topic)
	assert.JSONEq(t, `{"sale_id":"9"}`, string(seen[0].Payload))

	pending, err = svc.HasPending(ctx, subject)
	require.NoError(t, err)
	assert.False(t, pending)

	res, err = svc.Dispatch(ctx, 10, func(context.Context, domain.Event) error {
		t.Fatal("dispatched event delivered twice")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestDispatchRetriesThenFails(t *testing.T) {
	svc, fake := newTestService(t, 2)
	ctx := context.Background()

	id, err := svc.Publish(ctx, nil, domain.TopicNetworkReparented, 5, map[string]any{})
	require.NoError(t, err)

	boom := func(context.Context, domain.Event) error { return errors.New("store unavailable") }

	res, err := svc.Dispatch(ctx, 10, boom)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	// not yet due
	res, err = svc.Dispatch(ctx, 10, boom)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	fake.Advance(2 * time.Second)
	res, err = svc.Dispatch(ctx, 10, boom)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	failed, err := svc.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "store unavailable", *failed[0].LastError)

	require.NoError(t, svc.Requeue(ctx, id))
	assert.ErrorIs(t, svc.Requeue(ctx, id), domain.ErrEventNotFound)

	res, err = svc.Dispatch(ctx, 10, func(context.Context, domain.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
}

func TestDispatchRecoversPanics(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()
	_, err := svc.Publish(ctx, nil, domain.TopicSaleReversed, 1, nil)
	require.NoError(t, err)

	res, err := svc.Dispatch(ctx, 10, func(context.Context, domain.Event) error { panic("bad payload") })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
}

func TestPublishRejectsEmptyTopic(t *testing.T) {
	svc, _ := newTestService(t, 3)
	_, err := svc.Publish(context.Background(), nil, " ", 1, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTopic)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 0))
	assert.Equal(t, time.Second, Backoff(time.Second, 1))
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 3))
	assert.Equal(t, time.Hour, Backoff(time.Minute, 20))
}
