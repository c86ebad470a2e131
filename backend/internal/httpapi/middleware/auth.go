package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/cloneot/yjs-playground/backend/internal/authservice"
)

// AuthMiddleware verifies the access token locally and puts userId and
// username on the context. An empty secret disables verification: the user
// is then taken from the optional ?user= and ?userId= query parameters.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			id, _ := strconv.ParseUint(c.Query("userId"), 10, 64)
			c.Set("userId", id)
			c.Set("username", c.DefaultQuery("user", "anonymous"))
			c.Next()
			return
		}

		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// browsers cannot set headers on a websocket upgrade
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := authservice.ParseAccessToken(key, tokenString)
		if err != nil {
			glog.V(1).Infof("[auth] reject token from %s: %v", c.ClientIP(), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
