package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

type HealthHandler struct {
	probes  map[string]Probe
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates a handler that runs every probe with its own
// timeout.
func NewHealthHandler(probes map[string]Probe, timeout time.Duration, logger *zap.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{probes: probes, timeout: timeout, logger: logger}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": statusHealthy})
}

// Detailed runs all probes concurrently and reports each one.
func (h *HealthHandler) Detailed(c *gin.Context) {
	services := map[string]string{"api": statusHealthy}
	var mu sync.Mutex

	var g errgroup.Group
	for name, probe := range h.probes {
		name, probe := name, probe
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
			defer cancel()

			status := statusHealthy
			if err := probe(ctx); err != nil {
				status = "unhealthy: " + err.Error()
				h.logger.Warn("Health probe failed", zap.String("service", name), zap.Error(err))
			}
			mu.Lock()
			services[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := statusHealthy
	for _, s := range services {
		if s != statusHealthy {
			overall = statusDegraded
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": overall, "services": services})
}
