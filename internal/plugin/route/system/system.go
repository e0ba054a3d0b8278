package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/vltx-lol/vltx/internal/registry/route"
)

var ready atomic.Bool

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "system",
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine, svc *registryroute.Services) error {
			storeConnected := func() bool {
				return svc.StoreConnected == nil || svc.StoreConnected()
			}

			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: initialized and the store is reachable
			r.GET("/ready", func(c *gin.Context) {
				switch {
				case !ready.Load():
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
				case !storeConnected():
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable"})
				default:
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
				}
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}
