package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/authorization"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/ledger"
	ledgerdomain "github.com/smallbiznis/uplink/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	"github.com/smallbiznis/uplink/internal/observability"
	obslogger "github.com/smallbiznis/uplink/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/uplink/internal/observability/metrics"
	obstracing "github.com/smallbiznis/uplink/internal/observability/tracing"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	"github.com/smallbiznis/uplink/internal/ratelimit"
	recomputedomain "github.com/smallbiznis/uplink/internal/recompute/domain"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	"github.com/smallbiznis/uplink/internal/statement"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	authorization.Module,
	ratelimit.Module,
	ledger.Module,
	statement.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	networkSvc    networkdomain.Service
	saleSvc       saledomain.Service
	ledgerSvc     ledgerdomain.Service
	commissionSvc commissiondomain.Service
	recomputeSvc  recomputedomain.Service
	policySvc     policydomain.Service
	statements    statement.Renderer
	ingestLimiter *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	NetworkSvc    networkdomain.Service
	SaleSvc       saledomain.Service
	LedgerSvc     ledgerdomain.Service
	CommissionSvc commissiondomain.Service
	RecomputeSvc  recomputedomain.Service
	PolicySvc     policydomain.Service
	Statements    statement.Renderer
	IngestLimiter *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		networkSvc:    p.NetworkSvc,
		saleSvc:       p.SaleSvc,
		ledgerSvc:     p.LedgerSvc,
		commissionSvc: p.CommissionSvc,
		recomputeSvc:  p.RecomputeSvc,
		policySvc:     p.PolicySvc,
		statements:    p.Statements,
		ingestLimiter: p.IngestLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(s.AuditRejections(), ActorRequired())

	distributors := api.Group("/distributors")
	{
		distributors.POST("", s.authorizeAction(authorization.ObjectDistributor, authorization.ActionDistributorEnroll), s.EnrollDistributor)
		distributors.POST("/root", s.authorizeAction(authorization.ObjectNetwork, authorization.ActionNetworkCreateRoot), s.CreateRoot)

		distributor := distributors.Group("/:id")
		distributor.GET("", s.authorizeDistributor(authorization.ObjectDistributor, authorization.ActionDistributorView), s.GetDistributor)
		distributor.GET("/summary", s.authorizeDistributor(authorization.ObjectCommission, authorization.ActionCommissionView), s.GetSummary)
		distributor.GET("/commissions", s.authorizeDistributor(authorization.ObjectCommission, authorization.ActionCommissionView), s.ListCommissions)
		distributor.GET("/commissions/statement.pdf", s.authorizeDistributor(authorization.ObjectCommission, authorization.ActionCommissionStatement), s.DownloadStatement)
		distributor.GET("/team", s.authorizeDistributor(authorization.ObjectNetwork, authorization.ActionNetworkTeamView), s.GetTeam)
		distributor.GET("/ranks", s.authorizeDistributor(authorization.ObjectDistributor, authorization.ActionDistributorView), s.ListRanks)
		distributor.GET("/bonuses", s.authorizeDistributor(authorization.ObjectCommission, authorization.ActionCommissionView), s.ListBonuses)
	}

	sales := api.Group("/sales")
	{
		sales.POST("/events", s.authorizeAction(authorization.ObjectSale, authorization.ActionSaleIngest), s.SaleIngestRateLimit(), s.IngestSaleEvent)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")
	admin.Use(s.AuditRejections(), ActorRequired())

	admin.POST("/reparent", s.authorizeAction(authorization.ObjectNetwork, authorization.ActionNetworkReparent), s.Reparent)
	admin.POST("/distributors/:id/status", s.authorizeAction(authorization.ObjectDistributor, authorization.ActionDistributorStatus), s.SetDistributorStatus)
	admin.POST("/sales/:id/correct", s.authorizeAction(authorization.ObjectSale, authorization.ActionSaleCorrect), s.CorrectSale)

	commissions := admin.Group("/commissions")
	{
		commissions.GET("/:id", s.authorizeAction(authorization.ObjectCommission, authorization.ActionCommissionView), s.GetPayable)
		commissions.POST("/:id/approve", s.authorizeAction(authorization.ObjectCommission, authorization.ActionCommissionApprove), s.ApprovePayable)
		commissions.POST("/:id/paid", s.authorizeAction(authorization.ObjectCommission, authorization.ActionCommissionPay), s.MarkPayablePaid)
	}
	admin.POST("/bonuses/grant", s.authorizeAction(authorization.ObjectCommission, authorization.ActionCommissionBonus), s.GrantRankBonuses)

	recompute := admin.Group("/recompute")
	{
		recompute.GET("/failed", s.authorizeAction(authorization.ObjectRecompute, authorization.ActionRecomputeView), s.ListFailedJobs)
		recompute.GET("/backlog", s.authorizeAction(authorization.ObjectRecompute, authorization.ActionRecomputeView), s.GetRecomputeBacklog)
		recompute.GET("/jobs/:id", s.authorizeAction(authorization.ObjectRecompute, authorization.ActionRecomputeView), s.GetRecomputeJob)
		recompute.POST("/:id/requeue", s.authorizeAction(authorization.ObjectRecompute, authorization.ActionRecomputeRequeue), s.RequeueJob)
	}

	policies := admin.Group("/policies")
	{
		policies.GET("", s.authorizeAction(authorization.ObjectPolicy, authorization.ActionPolicyView), s.ListPolicies)
		policies.POST("", s.authorizeAction(authorization.ObjectPolicy, authorization.ActionPolicyPublish), s.PublishPolicy)
	}

	admin.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

// respondMutation writes an accepted mutation together with its audit id.
func respondMutation(c *gin.Context, status int, auditID string, data any) {
	if auditID != "" {
		c.Set(contextAuditIDKey, auditID)
	}
	c.JSON(status, gin.H{"data": data, "audit_id": auditID})
}
