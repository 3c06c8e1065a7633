package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/bounty-escrow/internal/metrics"
)

// Metrics замеряет длительность запросов по шаблону маршрута.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		done := metrics.StartHttpRequestDurationTimer(c.Request.Method + " " + endpoint)
		c.Next()
		done(c.Writer.Status())
	}
}
