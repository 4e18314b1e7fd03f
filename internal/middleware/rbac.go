package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/litreview-api/internal/models"
	"github.com/noah-isme/litreview-api/internal/permission"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
	"github.com/noah-isme/litreview-api/pkg/response"
)

// KnownRole rejects tokens whose role is absent from the permission arena.
func KnownRole(gate *permission.Gate) gin.HandlerFunc {
	known := make(map[string]struct{})
	for _, role := range gate.Roles() {
		known[role] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := c.Get(ContextUserKey)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		jwtClaims, ok := claims.(*models.JWTClaims)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := known[permission.NormalizeRole(jwtClaims.Role)]; !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "unknown role"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequirePermission allows the request only when the caller's role may perform action on resource.
func RequirePermission(gate *permission.Gate, resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, ok := c.Get(ContextUserKey)
		claims, isClaims := value.(*models.JWTClaims)
		if !ok || !isClaims {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if !gate.Authorize(claims.Role, resource, action) {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}
