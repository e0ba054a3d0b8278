package system

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	registryroute "github.com/vltx-lol/vltx/internal/registry/route"
)

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	connected := false
	r := gin.New()
	require.NoError(t, registryroute.Mount(r, registryroute.RouteTypeManagement, &registryroute.Services{
		StoreConnected: func() bool { return connected },
	}))
	get := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	require.Equal(t, http.StatusOK, get("/health"))
	require.Equal(t, http.StatusServiceUnavailable, get("/ready"))

	MarkReady()
	require.Equal(t, http.StatusServiceUnavailable, get("/ready"))

	connected = true
	require.Equal(t, http.StatusOK, get("/ready"))
	require.Equal(t, http.StatusOK, get("/metrics"))
}

func TestRegisteredAsManagementRoute(t *testing.T) {
	require.Contains(t, registryroute.Names(registryroute.RouteTypeManagement), "system")
	require.NotContains(t, registryroute.Names(registryroute.RouteTypeMain), "system")
}
