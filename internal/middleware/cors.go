package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
}

// AllowedOrigins returns the local development origins plus the configured ones
func AllowedOrigins(configured []string) map[string]bool {
	allowed := make(map[string]bool, len(defaultOrigins)+len(configured))
	for _, o := range defaultOrigins {
		allowed[o] = true
	}
	for _, o := range configured {
		allowed[o] = true
	}
	return allowed
}

// OriginAllowed reports whether a request from origin may proceed.
// Requests without an Origin header come from non-browser clients and are allowed.
func OriginAllowed(allowed map[string]bool, origin string) bool {
	return origin == "" || allowed[origin]
}

func CORSMiddleware(allowed map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if !OriginAllowed(allowed, origin) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
