package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"net/http" // HTTP status codes for responses
	"strings"  // string utilities for prefix checking and trimming

	"github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

	"github.com/iliyamo/clinic-flow/internal/utils" // token parsing shared with the token CLI
)

// deny writes the error envelope used across the API.  Middleware cannot
// import the handler package, so the shape is repeated here.
func deny(c echo.Context, status int, code, reason, msg string) error {
	return c.JSON(status, echo.Map{"error": echo.Map{
		"code":    code,
		"reason":  reason,
		"message": msg,
	}})
}

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// injects the token's subject and role claims into the request context.  The
// provided secret must match the one used when issuing tokens.  Handlers and
// later middleware read them via `c.Get("user_id")` and `c.Get("role")`,
// both stored as strings.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// A valid header is "Bearer <jwt>".
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return deny(c, http.StatusUnauthorized, "UNAUTHORIZED", "MISSING_TOKEN", "missing bearer token")
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			// Signature, algorithm and expiry are all checked by the parser.
			sub, role, err := utils.ParseAccessToken(secret, raw)
			if err != nil {
				return deny(c, http.StatusUnauthorized, "UNAUTHORIZED", "INVALID_TOKEN", "invalid token")
			}

			c.Set("user_id", sub)
			c.Set("role", role)
			return next(c)
		}
	}
}
