package serve

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsPolicy lets profile pages served from other origins call the public API.
// The API is anonymous, so credentials are never allowed.
type corsPolicy struct {
	origins  map[string]bool
	allowAny bool
}

func newCORSPolicy(originsCSV string) corsPolicy {
	origins := parseOrigins(originsCSV)
	return corsPolicy{origins: origins, allowAny: origins["*"]}
}

func (p corsPolicy) allows(origin string) bool {
	return origin != "" && (p.allowAny || p.origins[strings.TrimRight(origin, "/")])
}

func corsMiddleware(originsCSV string) gin.HandlerFunc {
	policy := newCORSPolicy(originsCSV)
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		c.Header("Vary", "Origin")
		if policy.allows(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
		}
		// Preflights never reach the handlers.
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// parseOrigins reads a comma-separated origin list. An empty list allows any origin.
func parseOrigins(raw string) map[string]bool {
	result := map[string]bool{}
	for part := range strings.SplitSeq(raw, ",") {
		if v := strings.TrimRight(strings.TrimSpace(part), "/"); v != "" {
			result[v] = true
		}
	}
	if len(result) == 0 {
		result["*"] = true
	}
	return result
}
