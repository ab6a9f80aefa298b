package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	"github.com/smallbiznis/uplink/internal/observability/logger"
	"go.uber.org/zap"
)

// SaleIngestRateLimit throttles sale events per calling actor.
func (s *Server) SaleIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.ingestLimiter == nil || !s.ingestLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		actor, ok := obscontext.ActorFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		res, err := s.ingestLimiter.AllowActor(ctx, actor.Subject())
		if err != nil {
			logger.FromContext(ctx).Warn("sale ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
		}
		if !res.Allowed {
			denySaleIngest(c, res.RetryAfter.Seconds())
			return
		}
		c.Next()
	}
}

func denySaleIngest(c *gin.Context, retryAfterSeconds float64) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("sale ingest rate limit exceeded",
		zap.String("endpoint", normalizeRateLimitEndpoint(c)),
	)
	c.Header("Retry-After", strconv.Itoa(max(int(math.Ceil(retryAfterSeconds)), 1)))
	AbortWithError(c, ErrRateLimited)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
