package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
)

const periodLayout = "2006-01"

type transitionRequest struct {
	Note string `json:"note"`
}

type grantBonusesRequest struct {
	// Period is a calendar month such as "2026-03".
	Period string `json:"period"`
}

func (s *Server) ListBonuses(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.networkSvc.Get(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}

	bonuses, err := s.commissionSvc.ListBonuses(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if bonuses == nil {
		bonuses = []commissiondomain.Bonus{}
	}
	c.JSON(http.StatusOK, gin.H{"data": bonuses})
}

func (s *Server) GetPayable(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payable, err := s.commissionSvc.Payable(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payable})
}

func (s *Server) ApprovePayable(c *gin.Context) {
	s.transitionPayable(c, commissiondomain.PayoutApproved)
}

func (s *Server) MarkPayablePaid(c *gin.Context) {
	s.transitionPayable(c, commissiondomain.PayoutPaid)
}

func (s *Server) transitionPayable(c *gin.Context, to commissiondomain.PayoutStatus) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req transitionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	payable, err := s.commissionSvc.Transition(c.Request.Context(), commissiondomain.TransitionRequest{
		ItemID: id,
		To:     to,
		Note:   req.Note,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusOK, payable.AuditID, payable)
}

func (s *Server) GrantRankBonuses(c *gin.Context) {
	var req grantBonusesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	period, err := time.Parse(periodLayout, strings.TrimSpace(req.Period))
	if err != nil {
		AbortWithError(c, newValidationError("period", "invalid_period", "period must look like 2026-03"))
		return
	}

	res, err := s.commissionSvc.GrantRankBonuses(c.Request.Context(), period)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}
