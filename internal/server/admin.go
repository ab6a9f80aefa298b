package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
)

const (
	defaultFailedJobsLimit = 50
	maxFailedJobsLimit     = 500
	maxPolicyDocumentBytes = 1 << 20
)

type setStatusRequest struct {
	Status networkdomain.Status `json:"status"`
	Reason string               `json:"reason"`
}

type policyTierView struct {
	Code              string `json:"code"`
	Name              string `json:"name"`
	MaxLevel          int    `json:"max_level"`
	MinPersonalVolume int64  `json:"min_personal_volume"`
	MinTeamVolume     int64  `json:"min_team_volume"`
	MinTeamSize       int    `json:"min_team_size"`
	Rule              string `json:"rule,omitempty"`
	MonthlyBonus      int64  `json:"monthly_bonus"`
}

type policyView struct {
	Version         string           `json:"version"`
	EffectiveFrom   time.Time        `json:"effective_from"`
	MaxDepth        int              `json:"max_depth"`
	TeamDepth       int              `json:"team_depth"`
	WindowDays      int              `json:"window_days"`
	MaxTotalPercent string           `json:"max_total_percent"`
	PayInactive     bool             `json:"pay_inactive"`
	BonusCurrency   string           `json:"bonus_currency,omitempty"`
	Tiers           []policyTierView `json:"tiers"`
}

func (s *Server) Reparent(c *gin.Context) {
	var req networkdomain.ReparentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.networkSvc.Reparent(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusOK, res.AuditID, res)
}

func (s *Server) SetDistributorStatus(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.networkSvc.SetStatus(c.Request.Context(), networkdomain.SetStatusRequest{
		ID:     id,
		Status: req.Status,
		Reason: req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusOK, res.AuditID, res.Distributor)
}

func (s *Server) ListFailedJobs(c *gin.Context) {
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil || (limit != nil && (*limit <= 0 || *limit > maxFailedJobsLimit)) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	n := defaultFailedJobsLimit
	if limit != nil {
		n = int(*limit)
	}

	jobs, err := s.recomputeSvc.ListOperatorQueue(c.Request.Context(), n)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

func (s *Server) GetRecomputeBacklog(c *gin.Context) {
	backlog, err := s.recomputeSvc.Backlog(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": backlog})
}

func (s *Server) GetRecomputeJob(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	job, err := s.recomputeSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) RequeueJob(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.recomputeSvc.RequeueJob(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusOK, res.AuditID, res.Job)
}

func (s *Server) ListPolicies(c *gin.Context) {
	versions, err := s.policySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": versions})
}

// PublishPolicy accepts a YAML policy document as the raw request body.
func (s *Server) PublishPolicy(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPolicyDocumentBytes+1))
	if err != nil || len(raw) == 0 || len(raw) > maxPolicyDocumentBytes {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	published, err := s.policySvc.PublishYAML(ctx, raw)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	actor, _ := obscontext.ActorFromContext(ctx)
	auditID, err := s.auditSvc.Record(ctx, nil, auditdomain.Entry{
		ActorType:  actor.Role,
		ActorID:    actor.ID,
		Action:     "policy.published",
		TargetType: "policy",
		TargetID:   published.Version,
		Metadata: map[string]any{
			"effective_from": published.EffectiveFrom.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusCreated, auditID, newPolicyView(published))
}

func newPolicyView(p *policydomain.Policy) policyView {
	view := policyView{
		Version:         p.Version,
		EffectiveFrom:   p.EffectiveFrom,
		MaxDepth:        p.MaxDepth,
		TeamDepth:       p.TeamDepth,
		WindowDays:      int(p.Window / (24 * time.Hour)),
		MaxTotalPercent: p.MaxTotalPercent.String(),
		PayInactive:     p.PayInactive,
		BonusCurrency:   p.BonusCurrency,
		Tiers:           make([]policyTierView, 0, len(p.Tiers)),
	}
	for _, tier := range p.Tiers {
		view.Tiers = append(view.Tiers, policyTierView{
			Code:              tier.Code,
			Name:              tier.Name,
			MaxLevel:          tier.MaxLevel,
			MinPersonalVolume: tier.MinPersonalVolume,
			MinTeamVolume:     tier.MinTeamVolume,
			MinTeamSize:       tier.MinTeamSize,
			Rule:              tier.Rule,
			MonthlyBonus:      tier.MonthlyBonus,
		})
	}
	return view
}
