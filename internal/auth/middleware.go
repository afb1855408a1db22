package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// accessTokenQuery carries the token on websocket upgrades, where browsers
// cannot set headers.
const accessTokenQuery = "access_token"

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearer(c)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := claims.Identity()
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))

		// Also store on gin context for handler convenience.
		c.Set("profile_id", id.ProfileID)
		c.Set("family_id", id.FamilyID)
		c.Set("role", id.Role)

		c.Next()
	}
}

func bearer(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	}
	if c.IsWebsocket() {
		return c.Query(accessTokenQuery)
	}
	return ""
}
