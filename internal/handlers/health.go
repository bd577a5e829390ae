package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/couentine/badgekit/internal/monitoring"
	"github.com/couentine/badgekit/pkg/response"
)

// Health evaluates the registered dependency probes and reports the outcome.
// A degraded or down dependency yields 503 so load balancers stop routing.
func Health(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if manager == nil {
			response.Success(c, http.StatusOK, gin.H{"status": "ok"})
			return
		}

		report := manager.Evaluate(requestContext(c))
		status := http.StatusOK
		if !report.Success {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
