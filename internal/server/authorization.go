package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// authorizeAction guards a route with a role-wide permission.
func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authzSvc.Authorize(c.Request.Context(), strings.TrimSpace(object), strings.TrimSpace(action)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// authorizeDistributor guards a route whose :id names the distributor that
// owns the data. Distributors may only reach their own records.
func (s *Server) authorizeDistributor(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := distributorIDParam(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if err := s.authzSvc.AuthorizeOwner(c.Request.Context(), id.String(), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func distributorIDParam(c *gin.Context) (snowflake.ID, error) {
	return snowflakeParam(c, "id")
}

func snowflakeParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id == 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}
