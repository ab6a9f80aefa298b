package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	ledgerdomain "github.com/smallbiznis/uplink/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	"github.com/smallbiznis/uplink/pkg/db/pagination"
)

func (s *Server) CreateRoot(c *gin.Context) {
	var req networkdomain.CreateRootRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.networkSvc.CreateRoot(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusCreated, res.AuditID, res.Distributor)
}

func (s *Server) EnrollDistributor(c *gin.Context) {
	var req networkdomain.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.ParentID == 0 {
		AbortWithError(c, newValidationError("parent_id", "required", "parent_id is required"))
		return
	}

	res, err := s.networkSvc.Enroll(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusCreated, res.AuditID, res.Distributor)
}

func (s *Server) GetDistributor(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	distributor, err := s.networkSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": distributor})
}

func (s *Server) GetSummary(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.ledgerSvc.Summary(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListCommissions(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.Commissions(c.Request.Context(), commissiondomain.ListEntriesRequest{
		Pagination:    page,
		DistributorID: id,
		From:          from,
		To:            to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Entries, "page_info": resp.PageInfo})
}

func (s *Server) DownloadStatement(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	stmt, err := s.ledgerSvc.Statement(ctx, ledgerdomain.StatementRequest{
		DistributorID: id,
		From:          from,
		To:            to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	body, err := s.statements.Render(ctx, stmt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filename := fmt.Sprintf("statement-%s.pdf", strings.ToLower(stmt.Distributor.Code))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", body)
}

func (s *Server) GetTeam(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	maxDepth, err := parseOptionalInt64(c.Query("max_depth"))
	if err != nil {
		AbortWithError(c, newValidationError("max_depth", "invalid_max_depth", "invalid max_depth"))
		return
	}
	depth := 0
	if maxDepth != nil {
		depth = int(*maxDepth)
	}

	team, err := s.ledgerSvc.Team(c.Request.Context(), id, depth)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": team})
}

func (s *Server) ListRanks(c *gin.Context) {
	id, err := distributorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	history, err := s.ledgerSvc.Ranks(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history})
}
