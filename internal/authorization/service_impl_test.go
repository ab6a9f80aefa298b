package authorization

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)
	return NewService(Params{Log: zaptest.NewLogger(t), Enforcer: enforcer})
}

func withActor(id, role string) context.Context {
	return obscontext.WithActor(context.Background(), obscontext.Actor{ID: id, Role: role})
}

func TestAuthorizeAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := withActor("1", obscontext.RoleAdmin)

	assert.NoError(t, svc.Authorize(ctx, ObjectNetwork, ActionNetworkReparent))
	assert.NoError(t, svc.AuthorizeOwner(ctx, "99", ObjectCommission, ActionCommissionView))
}

func TestAuthorizeDistributorSelfOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := withActor("42", obscontext.RoleDistributor)

	assert.NoError(t, svc.AuthorizeOwner(ctx, "42", ObjectCommission, ActionCommissionView))
	assert.ErrorIs(t, svc.AuthorizeOwner(ctx, "43", ObjectCommission, ActionCommissionView), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, ObjectCommission, ActionCommissionView), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, ObjectNetwork, ActionNetworkReparent), ErrForbidden)
}

func TestAuthorizeSystemIngest(t *testing.T) {
	svc := newTestService(t)
	ctx := obscontext.WithActor(context.Background(), obscontext.SystemActor)

	assert.NoError(t, svc.Authorize(ctx, ObjectSale, ActionSaleIngest))
	assert.ErrorIs(t, svc.Authorize(ctx, ObjectSale, ActionSaleCorrect), ErrForbidden)
}

func TestAuthorizeRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t)

	assert.ErrorIs(t, svc.Authorize(context.Background(), ObjectSale, ActionSaleIngest), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(withActor("1", "guest"), ObjectSale, ActionSaleIngest), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(withActor("1", obscontext.RoleAdmin), "", ActionSaleIngest), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(withActor("1", obscontext.RoleAdmin), ObjectSale, " "), ErrInvalidAction)
}

func TestSubjectIsRoleScoped(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Authorize(withActor("7", obscontext.RoleAdmin), ObjectRecompute, ActionRecomputeView))
	assert.ErrorIs(t, svc.Authorize(withActor("7", obscontext.RoleDistributor), ObjectRecompute, ActionRecomputeView), ErrForbidden)
}
