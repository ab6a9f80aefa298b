package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/audit/repository"
	"github.com/smallbiznis/uplink/internal/clock"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	"github.com/smallbiznis/uplink/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupAudit(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE audit_logs (
		id TEXT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		request_id TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`).Error)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		Clock: fake,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, fake
}

func TestRecordUsesContextActor(t *testing.T) {
	svc, _ := setupAudit(t)
	ctx := obscontext.WithActor(context.Background(), obscontext.Actor{ID: "42", Role: "admin"})
	ctx = obscontext.WithRequestID(ctx, "req-1")

	id, err := svc.Record(ctx, nil, auditdomain.Entry{
		Action:     "network.reparent",
		TargetType: "distributor",
		TargetID:   "7",
		Metadata:   map[string]any{"old_parent_id": "1", "new_parent_id": "2"},
	})
	require.NoError(t, err)
	assert.Len(t, id, 26)

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	got := resp.AuditLogs[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "admin", got.ActorType)
	require.NotNil(t, got.ActorID)
	assert.Equal(t, "42", *got.ActorID)
	require.NotNil(t, got.RequestID)
	assert.Equal(t, "req-1", *got.RequestID)
	assert.Equal(t, "2", got.Metadata["new_parent_id"])
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	svc, _ := setupAudit(t)

	_, err := svc.Record(context.Background(), nil, auditdomain.Entry{Action: "rank.changed"})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "system", resp.AuditLogs[0].ActorType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	svc, _ := setupAudit(t)
	_, err := svc.Record(context.Background(), nil, auditdomain.Entry{Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginates(t *testing.T) {
	svc, fake := setupAudit(t)
	for i := 0; i < 3; i++ {
		_, err := svc.Record(context.Background(), nil, auditdomain.Entry{Action: "sale.corrected"})
		require.NoError(t, err)
		fake.Advance(time.Minute)
	}

	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2
	first, err := svc.List(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	req.PageToken = first.NextPageToken
	second, err := svc.List(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)
	assert.True(t, second.AuditLogs[0].CreatedAt.Before(first.AuditLogs[1].CreatedAt))
}

func TestListRejectsInvertedRange(t *testing.T) {
	svc, _ := setupAudit(t)
	start := time.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	_, err = svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func TestListFiltersByActor(t *testing.T) {
	svc, _ := setupAudit(t)
	for _, id := range []string{"7", "8", "7"} {
		ctx := obscontext.WithActor(context.Background(), obscontext.Actor{ID: id, Role: "distributor"})
		_, err := svc.Record(ctx, nil, auditdomain.Entry{Action: "request.rejected", TargetType: "request"})
		require.NoError(t, err)
	}

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{ActorID: "7"})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 2)

	resp, err = svc.List(context.Background(), auditdomain.ListAuditLogRequest{ActorType: "admin"})
	require.NoError(t, err)
	assert.Empty(t, resp.AuditLogs)
}
