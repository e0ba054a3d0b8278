package media

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	registryroute "github.com/vltx-lol/vltx/internal/registry/route"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "media",
		Order: 40,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, svc *registryroute.Services) error {
			if svc.Media == nil {
				return nil
			}
			MountRoutes(r, svc.Media)
			return nil
		},
	})
}

// MountRoutes serves stored media when the media store can open objects
// itself (GridFS). Other backends hand out their own public URLs.
func MountRoutes(r *gin.Engine, store registrymedia.MediaStore) {
	opener, ok := store.(registrymedia.Opener)
	if !ok {
		return
	}
	r.GET("/media/:id", func(c *gin.Context) {
		obj, err := opener.Open(c.Request.Context(), c.Param("id"))
		if err != nil {
			handleError(c, err)
			return
		}
		defer obj.Close()
		c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, obj, map[string]string{
			"Cache-Control": "public, max-age=31536000, immutable",
		})
	})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrymedia.ObjectNotFoundError
	var unavailable *registrystore.UnavailableError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "media not found"})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "store_unavailable", "error": "service temporarily unavailable"})
	default:
		log.Error("Media download failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"})
	}
}
