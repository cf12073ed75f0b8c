package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"memfetch/config"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware guards the status API with the configured key. The key is
// taken from a bearer Authorization header, or from the "token" query
// parameter on GET requests so file links can be opened in a browser.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Next()
			return
		}

		token, err := requestToken(c)
		if err != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AuthKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Next()
	}
}

func requestToken(c *gin.Context) (string, string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("token"); q != "" && c.Request.Method == http.MethodGet {
			return q, ""
		}
		return "", "Authorization header required"
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", "Invalid Authorization header format"
	}
	return strings.TrimSpace(token), ""
}
