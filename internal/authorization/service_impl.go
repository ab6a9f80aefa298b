package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectDistributor = "distributor"
	ObjectNetwork     = "network"
	ObjectSale        = "sale"
	ObjectCommission  = "commission"
	ObjectRecompute   = "recompute"
	ObjectAuditLog    = "audit_log"
	ObjectPolicy      = "policy"
)

const (
	ActionDistributorView   = "distributor.view"
	ActionDistributorEnroll = "distributor.enroll"
	ActionDistributorStatus = "distributor.status"
	ActionNetworkCreateRoot = "network.create_root"
	ActionNetworkReparent   = "network.reparent"
	ActionNetworkTeamView   = "network.team_view"

	ActionSaleIngest  = "sale.ingest"
	ActionSaleCorrect = "sale.correct"

	ActionCommissionView      = "commission.view"
	ActionCommissionStatement = "commission.statement"
	ActionCommissionApprove   = "commission.approve"
	ActionCommissionPay       = "commission.pay"
	ActionCommissionBonus     = "commission.grant_bonus"

	ActionRecomputeView    = "recompute.view"
	ActionRecomputeRequeue = "recompute.requeue"

	ActionAuditLogView = "audit_log.view"

	ActionPolicyView    = "policy.view"
	ActionPolicyPublish = "policy.publish"
)

const (
	scopeAny  = "any"
	scopeSelf = "self"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads the role model and persists grants through the gorm
// adapter.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	return finishEnforcer(enforcer)
}

// NewMemoryEnforcer builds an enforcer that keeps grants in memory only.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	return finishEnforcer(enforcer)
}

func finishEnforcer(enforcer *casbin.SyncedEnforcer) (*casbin.SyncedEnforcer, error) {
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, object string, action string) error {
	return s.authorize(ctx, "", object, action)
}

func (s *ServiceImpl) AuthorizeOwner(ctx context.Context, ownerID string, object string, action string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ErrInvalidObject
	}
	return s.authorize(ctx, obscontext.RoleDistributor+":"+ownerID, object, action)
}

func (s *ServiceImpl) authorize(ctx context.Context, owner string, object string, action string) error {
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	actor, ok := obscontext.ActorFromContext(ctx)
	if !ok {
		return ErrInvalidActor
	}
	roleName, err := roleFor(actor)
	if err != nil {
		s.auditDenied(ctx, actor, object, action)
		return err
	}

	subject := actor.Subject()
	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, owner, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actor, object, action)
		return ErrForbidden
	}
	return nil
}

func roleFor(actor obscontext.Actor) (string, error) {
	switch actor.Role {
	case obscontext.RoleAdmin, obscontext.RoleDistributor, obscontext.RoleSystem:
		return "role:" + actor.Role, nil
	default:
		return "", ErrInvalidActor
	}
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actor obscontext.Actor, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	if _, err := s.auditSvc.Record(ctx, nil, auditdomain.Entry{
		ActorType:  actor.Role,
		ActorID:    actor.ID,
		Action:     "authorization.denied",
		TargetType: "authorization",
		TargetID:   object,
		Metadata: map[string]any{
			"object":  object,
			"action":  action,
			"subject": actor.Subject(),
		},
	}); err != nil {
		s.log.Warn("failed to audit denied authorization", zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Distributors see only their own records.
		{"role:distributor", ObjectDistributor, ActionDistributorView, scopeSelf},
		{"role:distributor", ObjectNetwork, ActionNetworkTeamView, scopeSelf},
		{"role:distributor", ObjectCommission, ActionCommissionView, scopeSelf},
		{"role:distributor", ObjectCommission, ActionCommissionStatement, scopeSelf},

		{"role:admin", ObjectDistributor, ActionDistributorView, scopeAny},
		{"role:admin", ObjectDistributor, ActionDistributorEnroll, scopeAny},
		{"role:admin", ObjectDistributor, ActionDistributorStatus, scopeAny},
		{"role:admin", ObjectNetwork, ActionNetworkCreateRoot, scopeAny},
		{"role:admin", ObjectNetwork, ActionNetworkReparent, scopeAny},
		{"role:admin", ObjectNetwork, ActionNetworkTeamView, scopeAny},
		{"role:admin", ObjectSale, ActionSaleIngest, scopeAny},
		{"role:admin", ObjectSale, ActionSaleCorrect, scopeAny},
		{"role:admin", ObjectCommission, ActionCommissionView, scopeAny},
		{"role:admin", ObjectCommission, ActionCommissionStatement, scopeAny},
		{"role:admin", ObjectCommission, ActionCommissionApprove, scopeAny},
		{"role:admin", ObjectCommission, ActionCommissionPay, scopeAny},
		{"role:admin", ObjectCommission, ActionCommissionBonus, scopeAny},
		{"role:admin", ObjectRecompute, ActionRecomputeView, scopeAny},
		{"role:admin", ObjectRecompute, ActionRecomputeRequeue, scopeAny},
		{"role:admin", ObjectAuditLog, ActionAuditLogView, scopeAny},
		{"role:admin", ObjectPolicy, ActionPolicyView, scopeAny},
		{"role:admin", ObjectPolicy, ActionPolicyPublish, scopeAny},

		// Upstream sales platform and background workers.
		{"role:system", ObjectDistributor, ActionDistributorEnroll, scopeAny},
		{"role:system", ObjectDistributor, ActionDistributorView, scopeAny},
		{"role:system", ObjectSale, ActionSaleIngest, scopeAny},
		{"role:system", ObjectCommission, ActionCommissionView, scopeAny},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
