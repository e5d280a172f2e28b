package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Context keys set by Middleware on successful authentication.
const (
	ContextKeyAPIKey  = "apiKey"
	ContextKeyKeyName = "key_name"
)

// Middleware validates the API key on requests that present one. It never
// rejects by itself; RequireAuth and RequireRole gate the routes.
func Middleware(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}

		if rawKey == "" {
			c.Next()
			return
		}

		key, err := manager.ValidateKey(c.Request.Context(), rawKey)
		if err != nil {
			c.Next()
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyKeyName, key.Name)
		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid API key required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose key lacks the role. Unauthenticated
// requests get 401; authenticated keys without the role get 403 so the
// caller can tell a bad key from an insufficient one.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid API key required",
			})
			c.Abort()
			return
		}

		if !key.HasRole(role) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "key lacks the " + role + " role",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetAPIKey retrieves the authenticated API key from context
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	val, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := val.(*APIKey)
	return key, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
