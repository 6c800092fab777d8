package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orgforge/backend/pkg/response"
)

// RequireRole admits requests whose token role is one of roles. It must run
// after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	want := strings.Join(roles, " or ")
	return func(c *gin.Context) {
		v, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if role, _ := v.(string); !allowed[role] {
			response.Forbidden(c, fmt.Sprintf("%s %s requires role %s", c.Request.Method, c.FullPath(), want))
			c.Abort()
			return
		}
		c.Next()
	}
}
