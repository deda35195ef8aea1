package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/paygate/internal/pkg/metrics"
)

// MetricsMiddleware observes latency per route template, so buyer keys in
// paths do not become label values.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.LatencyBucket.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
