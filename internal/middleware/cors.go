// Package middleware provides Gin middleware for the embedding-host server.
package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS builds a CORS middleware from a comma-separated origin list.
// "*" allows any origin; credentials are only allowed when origins are
// explicit, since browsers reject the wildcard/credentials combination.
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := splitOrigins(allowedOrigins)
	wildcard := len(origins) == 1 && origins[0] == "*"

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Accept", "Origin"},
		AllowCredentials: !wildcard,
		MaxAge:           12 * time.Hour,
	})
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
