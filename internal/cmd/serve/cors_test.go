package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestParseOrigins(t *testing.T) {
	require.True(t, parseOrigins("")["*"])

	origins := parseOrigins(" https://vltx.lol/ , https://www.vltx.lol")
	require.True(t, origins["https://vltx.lol"])
	require.True(t, origins["https://www.vltx.lol"])
	require.False(t, origins["*"])
}

func TestCorsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware("https://vltx.lol"))
	router.GET("/api/view/alice", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/view/alice", nil)
	req.Header.Set("Origin", "https://vltx.lol")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://vltx.lol", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/view/alice", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/view/alice", nil)
	req.Header.Set("Origin", "https://vltx.lol")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCORSPolicy(t *testing.T) {
	open := newCORSPolicy("")
	require.True(t, open.allows("https://anyone.example"))
	require.False(t, open.allows(""))

	strict := newCORSPolicy("https://vltx.lol")
	require.True(t, strict.allows("https://vltx.lol/"))
	require.False(t, strict.allows("https://vltx.lol.evil.example"))
}
