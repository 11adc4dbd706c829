// ABOUTME: echo middleware for JWT authentication on the operator API
// ABOUTME: Extracts the bearer token, verifies it and stores the principal in the request context

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireToken rejects requests without a valid bearer token. The verified principal
// is available to handlers through FromContext(c.Request().Context()).
func RequireToken(verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, errMsg := extractBearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if errMsg != "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": errMsg})
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": msg})
			}

			req := c.Request()
			c.SetRequest(req.WithContext(WithPrincipal(req.Context(), principal)))
			return next(c)
		}
	}
}

// RequireOperator rejects principals that may not mutate the queue.
// Must be used after RequireToken.
func RequireOperator() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := FromContext(c.Request().Context())
			if p == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
			}
			if !p.CanWrite() {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "operator role required"})
			}
			return next(c)
		}
	}
}
