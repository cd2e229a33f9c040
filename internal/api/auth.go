package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware returns a Gin middleware gating the /admin/* and
// /collect routes behind a bearer token, the same optional-in-dev posture as
// the teacher's AuthMiddleware: an unset token means development mode (every
// request allowed), with a loud warning if that happens under GIN_MODE=release.
func AdminAuthMiddleware(adminToken string, ginMode string) gin.HandlerFunc {
	if adminToken == "" && ginMode == "release" {
		log.Println("[SECURITY WARNING] ADMIN_AUTH_TOKEN is not set in release mode. " +
			"Admin and internal-collect endpoints are publicly reachable. " +
			"Set ADMIN_AUTH_TOKEN to enforce authentication.")
	}

	return func(c *gin.Context) {
		if adminToken == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(adminToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
