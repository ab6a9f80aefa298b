package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
)

// Headers set by the trusted gateway in front of the API.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// ActorRequired resolves the caller from the gateway headers and stores it
// on the request context.
func ActorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := actorFromHeaders(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func actorFromHeaders(c *gin.Context) (obscontext.Actor, error) {
	id := strings.TrimSpace(c.GetHeader(HeaderActorID))
	role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
	if id == "" || role == "" {
		return obscontext.Actor{}, ErrUnauthorized
	}

	switch role {
	case obscontext.RoleAdmin, obscontext.RoleSystem:
	case obscontext.RoleDistributor:
		// Distributor actors are matched against record owners by id.
		if parsed, err := snowflake.ParseString(id); err != nil || parsed == 0 {
			return obscontext.Actor{}, ErrUnauthorized
		}
	default:
		return obscontext.Actor{}, ErrUnauthorized
	}
	return obscontext.Actor{ID: id, Role: role}, nil
}
