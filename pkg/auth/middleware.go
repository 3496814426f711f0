package auth

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/takutakahashi/kbterm/pkg/config"
)

const userContextKey = "user"

// UserContext represents the authenticated caller
type UserContext struct {
	UserID      string
	Role        string
	Permissions []string
	APIKey      string
}

// HasPermission checks if the caller holds permission
func (u *UserContext) HasPermission(permission string) bool {
	for _, perm := range u.Permissions {
		if perm == permission || perm == config.PermissionAll {
			return true
		}
	}
	return false
}

// AuthMiddleware authenticates requests with an API key taken from the
// configured header or an Authorization bearer token. When auth is disabled
// every request passes through anonymously.
func AuthMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Auth.Enabled {
				return next(c)
			}

			// Skip auth for OPTIONS requests (CORS preflight)
			if c.Request().Method == http.MethodOptions {
				return next(c)
			}

			// Skip auth for health endpoint
			if c.Request().URL.Path == "/health" {
				return next(c)
			}

			key := extractAPIKey(c, cfg.Auth.HeaderName)
			if key == "" {
				log.Printf("Authentication failed: no API key provided from %s", c.RealIP())
				return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
			}

			apiKey, ok := cfg.ValidateAPIKey(key)
			if !ok {
				log.Printf("Authentication failed: invalid API key from %s", c.RealIP())
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}

			c.Set(userContextKey, &UserContext{
				UserID:      apiKey.UserID,
				Role:        apiKey.Role,
				Permissions: apiKey.Permissions,
				APIKey:      apiKey.Key,
			})
			return next(c)
		}
	}
}

// RequirePermission rejects authenticated callers lacking permission.
// It is a no-op when auth is disabled.
func RequirePermission(cfg *config.Config, permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Auth.Enabled || c.Request().Method == http.MethodOptions {
				return next(c)
			}

			user := GetUserFromContext(c)
			if user == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
			}
			if !user.HasPermission(permission) {
				log.Printf("Authorization failed: user %s lacks permission %s", user.UserID, permission)
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
			}
			return next(c)
		}
	}
}

// GetUserFromContext retrieves the authenticated caller from the Echo context
func GetUserFromContext(c echo.Context) *UserContext {
	if user, ok := c.Get(userContextKey).(*UserContext); ok {
		return user
	}
	return nil
}

func extractAPIKey(c echo.Context, headerName string) string {
	if headerName == "" {
		headerName = "X-API-Key"
	}
	if key := c.Request().Header.Get(headerName); key != "" {
		return key
	}
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
