package counters

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	registryroute "github.com/vltx-lol/vltx/internal/registry/route"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "counters",
		Order: 20,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, svc *registryroute.Services) error {
			if svc.Counters == nil {
				return nil
			}
			MountRoutes(r, svc.Counters)
			return nil
		},
	})
}

// MountRoutes mounts view and click counter routes.
func MountRoutes(r *gin.Engine, ledger registryroute.CounterLedger) {
	api := r.Group("/api")
	api.POST("/view/:handle", func(c *gin.Context) {
		views, err := ledger.RecordView(c.Request.Context(), c.Param("handle"))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"views": views})
	})
	api.GET("/view/:handle", func(c *gin.Context) {
		views, err := ledger.GetViews(c.Request.Context(), c.Param("handle"))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"views": views})
	})
	api.POST("/click/:handle", func(c *gin.Context) {
		if _, err := ledger.RecordClick(c.Request.Context(), c.Param("handle")); err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/stats/:handle", func(c *gin.Context) {
		counts, err := ledger.GetCounts(c.Request.Context(), c.Param("handle"))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	})
}

func handleError(c *gin.Context, err error) {
	var validation *registrystore.ValidationError
	var unavailable *registrystore.UnavailableError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": validation.Code, "error": validation.Message, "field": validation.Field})
	case errors.As(err, &unavailable):
		log.Warn("Counter request failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "store_unavailable", "error": "service temporarily unavailable"})
	default:
		log.Error("Counter request failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "store_error", "error": "database error"})
	}
}
