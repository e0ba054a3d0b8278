package profiles

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/vltx-lol/vltx/internal/model"
	registryroute "github.com/vltx-lol/vltx/internal/registry/route"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "profiles",
		Order: 10,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, svc *registryroute.Services) error {
			if svc.Profiles == nil {
				return nil
			}
			MountRoutes(r, svc.Profiles)
			return nil
		},
	})
}

// MountRoutes mounts profile routes.
func MountRoutes(r *gin.Engine, profiles registryroute.ProfileService) {
	api := r.Group("/api")
	api.POST("/profile", func(c *gin.Context) {
		saveProfile(c, profiles)
	})
	api.GET("/profile/:handle", func(c *gin.Context) {
		getProfile(c, profiles)
	})
}

type saveRequest struct {
	Username string          `json:"username"`
	Data     json.RawMessage `json:"data"`
}

func saveProfile(c *gin.Context, profiles registryroute.ProfileService) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": registrystore.CodeInvalidPayload, "error": "invalid JSON body"})
		return
	}
	if err := model.CheckHandle(req.Username); err != nil {
		handleError(c, &registrystore.ValidationError{Code: registrystore.CodeInvalidHandle, Field: "username", Message: err.Error()})
		return
	}
	var data map[string]any
	if len(req.Data) == 0 || json.Unmarshal(req.Data, &data) != nil || data == nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": registrystore.CodeInvalidPayload, "error": "data must be a JSON object"})
		return
	}

	handle, err := profiles.Save(c.Request.Context(), req.Username, data)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "url": "/" + handle})
}

func getProfile(c *gin.Context, profiles registryroute.ProfileService) {
	profile, err := profiles.Get(c.Request.Context(), c.Param("handle"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var unavailable *registrystore.UnavailableError
	var storeErr *registrystore.StoreError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "Profile not found"})
	case errors.As(err, &validation):
		msg := validation.Message
		if validation.Code == registrystore.CodeInvalidHandle {
			msg = "Invalid username (2-30 chars, letters/numbers/._-)"
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": validation.Code, "error": msg, "field": validation.Field})
	case errors.As(err, &unavailable):
		log.Warn("Profile request failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "store_unavailable", "error": "service temporarily unavailable"})
	case errors.As(err, &storeErr):
		log.Error("Profile request failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "store_error", "error": "database error"})
	default:
		log.Error("Profile request failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"})
	}
}
