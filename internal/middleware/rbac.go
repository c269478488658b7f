package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/utils"
)

// RequireRole admits the request when any of the caller's roles is allowed.
// Grading endpoints are limited to teachers and administrators.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		for _, role := range callerRoles(c) {
			if _, ok := allowed[role]; ok {
				return c.Next()
			}
		}
		return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
	}
}

func callerRoles(c *fiber.Ctx) []string {
	if roles, ok := c.Locals("user_roles").([]string); ok && len(roles) > 0 {
		return roles
	}
	if role, ok := c.Locals("user_role").(string); ok {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			return []string{normalized}
		}
	}
	return nil
}
