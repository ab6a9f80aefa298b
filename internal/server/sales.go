package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
)

type correctSaleRequest struct {
	NewAmount int64  `json:"new_amount"`
	Reason    string `json:"reason"`
}

// IngestSaleEvent applies one lifecycle event from the order system.
// Replays of a transition already made answer 200 with applied=false.
func (s *Server) IngestSaleEvent(c *gin.Context) {
	var ev saledomain.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.saleSvc.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusOK
	if res.Applied {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": res})
}

func (s *Server) CorrectSale(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req correctSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.saleSvc.Correct(c.Request.Context(), saledomain.CorrectRequest{
		SaleID:    id,
		NewAmount: req.NewAmount,
		Reason:    req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondMutation(c, http.StatusOK, res.AuditID, gin.H{
		"sale":       res.Sale,
		"correction": res.Correction,
	})
}
