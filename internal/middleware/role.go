package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

// RequireRole lets through operators whose token role is one of roles.
// It must run after JWTAuth, which stores the role on the context.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get("role").(string)
			if role == "" || !slices.Contains(roles, role) {
				return deny(c, http.StatusForbidden, "UNAUTHORIZED", "FORBIDDEN",
					"operator role "+quoteRole(role)+" may not use this endpoint")
			}
			return next(c)
		}
	}
}

func quoteRole(r string) string {
	if r == "" {
		return "<none>"
	}
	return r
}
