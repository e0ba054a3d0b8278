package uploads

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/vltx-lol/vltx/internal/model"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	registryroute "github.com/vltx-lol/vltx/internal/registry/route"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "uploads",
		Order: 30,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, svc *registryroute.Services) error {
			if svc.Uploads == nil {
				return nil
			}
			MountRoutes(r, svc.Uploads)
			return nil
		},
	})
}

// MountRoutes mounts the avatar, background and music upload routes.
func MountRoutes(r *gin.Engine, relay registryroute.UploadRelay) {
	r.POST("/api/upload/:purpose", func(c *gin.Context) {
		purpose, ok := model.ParsePurpose(c.Param("purpose"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "unknown upload type"})
			return
		}
		upload(c, relay, purpose)
	})
}

// upload streams the "file" part of a multipart body to the relay. The part
// is read directly from the request; nothing is spooled to disk.
func upload(c *gin.Context, relay registryroute.UploadRelay, purpose model.Purpose) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "no_file", "error": "No file uploaded"})
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"code": "no_file", "error": "No file uploaded"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_payload", "error": "malformed multipart body"})
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		result, err := relay.Relay(c.Request.Context(), purpose, part, part.Header.Get("Content-Type"), part.FileName())
		_ = part.Close()
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}
}

func handleError(c *gin.Context, err error) {
	var invalidType *registrymedia.InvalidFileTypeError
	var tooLarge *registrymedia.TooLargeError
	var streamErr *registrymedia.StreamError
	var failed *registrymedia.UploadFailedError

	switch {
	case errors.As(err, &invalidType):
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_file_type", "error": err.Error()})
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": "payload_too_large", "error": err.Error()})
	case errors.As(err, &streamErr):
		c.JSON(http.StatusBadRequest, gin.H{"code": "stream_error", "error": "upload stream interrupted"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"code": "request_canceled", "error": "upload canceled"})
	case errors.As(err, &failed):
		log.Error("Upload failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "upload_failed", "error": "Upload failed"})
	default:
		log.Error("Upload failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"})
	}
}
