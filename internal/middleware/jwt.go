package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/auth"
	"github.com/iconic-events/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
	// ContextPrincipal is the key for the access.Principal in gin context.
	ContextPrincipal = "principal"

	// queryToken carries the bearer token for browser WebSocket upgrades, which cannot set headers.
	queryToken = "access_token"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok {
			response.Unauthorized(c, "missing or invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(raw)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		p := claims.Principal()
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, p.Role)
		c.Set(ContextUserEmail, claims.Email)
		c.Set(ContextPrincipal, p)
		c.Next()
	}
}

func bearer(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if t := c.Query(queryToken); t != "" && c.IsWebsocket() {
			return t, true
		}
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Principal returns the authenticated caller. Handlers behind JWT always have one; elsewhere the
// zero Principal is returned, which the access policy denies.
func Principal(c *gin.Context) access.Principal {
	v, ok := c.Get(ContextPrincipal)
	if !ok {
		return access.Principal{}
	}
	p, _ := v.(access.Principal)
	return p
}
