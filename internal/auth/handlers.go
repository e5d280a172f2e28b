package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/execguard/execguard/internal/validation"
)

// Handlers provides HTTP endpoints for API key management.
type Handlers struct {
	manager *Manager
}

// NewHandlers creates key management handlers.
func NewHandlers(m *Manager) *Handlers {
	return &Handlers{manager: m}
}

// RegisterOperatorRoutes registers key management endpoints. The server
// mounts these behind the operator role.
func (h *Handlers) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.listKeys)
	r.POST("/keys", h.createKey)
	r.DELETE("/keys/:keyId", h.revokeKey)
	r.GET("/keys/me", h.currentKey)
}

func (h *Handlers) listKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"roles":     k.Roles,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

type createKeyRequest struct {
	Name  string   `json:"name" binding:"required"`
	Roles []string `json:"roles"`
}

func (h *Handlers) createKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	for _, role := range req.Roles {
		if !ValidRole(role) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_role",
				"message": "unknown role " + role,
			})
			return
		}
	}

	name := validation.SanitizeString(req.Name, 255)

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), name, req.Roles)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to create key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"roles":   newKey.Roles,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func (h *Handlers) revokeKey(c *gin.Context) {
	keyID := c.Param("keyId")

	// A key cannot revoke itself
	if key, ok := GetAPIKey(c); ok && key.ID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "cannot revoke the key used for this request",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "key not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

func (h *Handlers) currentKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keyId":     key.ID,
		"name":      key.Name,
		"roles":     key.Roles,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
