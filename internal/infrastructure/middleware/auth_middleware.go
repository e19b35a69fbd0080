package middleware

import (
	"net/http"
	"strings"

	"peerlink/internal/core/domain"

	"github.com/gin-gonic/gin"
)

// TokenValidator checks a bearer token and returns the device it identifies.
type TokenValidator interface {
	Verify(token string) (domain.DeviceID, error)
}

func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		device, err := validator.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("device_id", device)
		c.Next()
	}
}
