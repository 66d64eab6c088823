package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/engram-dev/engram/pkg/adapters"
	"github.com/engram-dev/engram/pkg/database"
	"github.com/engram-dev/engram/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

const healthCheckTimeout = 5 * time.Second

// healthHandler handles GET /health.
// Only the service's own components (database, worker pools) are checked.
// External dependencies (LLM providers, source adapters) are excluded so the
// orchestrator does not restart the service when an upstream is down.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if dbHealth, err := database.Health(ctx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy, LatencyMS: dbHealth.ResponseTime}
	}

	if s.poolChecks(checks) && status == healthStatusHealthy {
		status = healthStatusDegraded
	}

	c.JSON(healthHTTPStatus(status), &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// livenessHandler handles GET /health/live.
func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler handles GET /health/ready. Readiness additionally checks
// Redis and reports adapter connection state; a disconnected adapter degrades
// readiness but does not fail it, since ingestion through HTTP still works.
func (s *Server) readinessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if dbHealth, err := database.Health(ctx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy, LatencyMS: dbHealth.ResponseTime}
	}

	if err := s.queueClient.Ping(ctx); err != nil {
		status = healthStatusUnhealthy
		checks["redis"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["redis"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.poolChecks(checks) && status == healthStatusHealthy {
		status = healthStatusDegraded
	}

	var adapterStatuses []adapters.Status
	if s.adapterRuntime != nil {
		adapterStatuses = s.adapterRuntime.Statuses()
		for _, st := range adapterStatuses {
			if st.State == adapters.StateError && status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		}
	}

	c.JSON(healthHTTPStatus(status), &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Checks:   checks,
		Adapters: adapterStatuses,
	})
}

// poolChecks adds one check per worker pool and reports whether any pool is
// unhealthy.
func (s *Server) poolChecks(checks map[string]HealthCheck) bool {
	degraded := false
	for _, pool := range s.workerPools {
		health := pool.Health()
		name := "workers:" + health.Queue
		if health.IsHealthy {
			checks[name] = HealthCheck{Status: healthStatusHealthy}
			continue
		}
		degraded = true
		msg := health.RedisError
		if msg == "" {
			msg = "workers stalled"
		}
		checks[name] = HealthCheck{Status: healthStatusDegraded, Message: msg}
	}
	return degraded
}

func healthHTTPStatus(status string) int {
	if status == healthStatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
