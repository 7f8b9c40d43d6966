package system

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/ai-proxy-monitor/internal/registry/route"
)

// ReadinessCheck probes a dependency; a non-nil error marks the service unready.
type ReadinessCheck func(ctx context.Context) error

var (
	ready atomic.Bool
	check atomic.Pointer[ReadinessCheck]
)

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// SetReadinessCheck installs the probe consulted by /ready once the service
// is marked ready.
func SetReadinessCheck(fn ReadinessCheck) {
	check.Store(&fn)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:   0,
		Surface: registryroute.Management,
		Mount: func(r *gin.Engine) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: initialized and the document store answers
			r.GET("/ready", func(c *gin.Context) {
				if !ready.Load() {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
					return
				}
				if fn := check.Load(); fn != nil && *fn != nil {
					ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
					defer cancel()
					if err := (*fn)(ctx); err != nil {
						c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
						return
					}
				}
				c.JSON(http.StatusOK, gin.H{"status": "ready"})
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}
