package reputation

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/execguard/execguard/internal/validation"
)

// Handler provides HTTP endpoints for reputation data.
type Handler struct {
	service *Service
	store   Store
}

// NewHandler creates a reputation handler.
func NewHandler(service *Service, store Store) *Handler {
	return &Handler{service: service, store: store}
}

// RegisterRoutes sets up public lookup endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation/:address", h.GetReputation)
	r.GET("/reputation/sources", h.ListSources)
}

// RegisterAdminRoutes sets up mutation endpoints. The server wraps this
// group in operator-role middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reputation/internal", h.UpsertInternal)
	r.DELETE("/reputation/internal/:address", h.DeactivateInternal)
	r.PUT("/reputation/sources/:source", h.ReplaceSource)
	r.PATCH("/reputation/sources/:source", h.SetSourceEnabled)
}

// GetReputation returns the flag state for an address.
func (h *Handler) GetReputation(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be a valid 0x-prefixed hex address",
		})
		return
	}

	result, err := h.service.Check(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListSources returns all external source lists with their sync state.
func (h *Handler) ListSources(c *gin.Context) {
	sources, err := h.store.Sources(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

// UpsertInternalRequest is the payload to add or update an internal entry.
type UpsertInternalRequest struct {
	Address   string `json:"address" binding:"required"`
	Source    string `json:"source"`
	RiskScore int    `json:"riskScore"`
	Reason    string `json:"reason"`
	ExpiresAt string `json:"expiresAt,omitempty"` // RFC3339, optional
}

// UpsertInternal adds or updates an internal reputation entry.
func (h *Handler) UpsertInternal(c *gin.Context) {
	var req UpsertInternalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be a valid 0x-prefixed hex address",
		})
		return
	}
	if req.RiskScore < 0 || req.RiskScore > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_risk_score",
			"message": "riskScore must be 0-100",
		})
		return
	}

	entry := &Entry{
		Address:   strings.ToLower(req.Address),
		Source:    req.Source,
		RiskScore: req.RiskScore,
		Reason:    validation.SanitizeString(req.Reason, 500),
		Active:    true,
		UpdatedAt: time.Now(),
	}
	if entry.Source == "" {
		entry.Source = InternalSource
	}
	if req.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_expiry",
				"message": "expiresAt must be RFC3339",
			})
			return
		}
		entry.ExpiresAt = &expires
	}

	if err := h.store.UpsertInternal(c.Request.Context(), entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "upsert_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// DeactivateInternal marks an internal entry inactive. The record stays.
func (h *Handler) DeactivateInternal(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	err := h.store.DeactivateInternal(c.Request.Context(), address)
	if err == ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No internal entry for this address",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deactivate_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "active": false})
}

// ReplaceSourceRequest carries a full address set for one source.
type ReplaceSourceRequest struct {
	Addresses []string `json:"addresses"`
}

// ReplaceSource atomically replaces an external source's address set.
func (h *Handler) ReplaceSource(c *gin.Context) {
	source := c.Param("source")

	var req ReplaceSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	for _, addr := range req.Addresses {
		if !validation.IsValidEthAddress(addr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "All addresses must be valid 0x-prefixed hex addresses",
			})
			return
		}
	}

	if err := h.store.ReplaceSource(c.Request.Context(), source, req.Addresses); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "replace_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "addresses": len(req.Addresses)})
}

// SetSourceEnabledRequest toggles a source list.
type SetSourceEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetSourceEnabled enables or disables an external source.
func (h *Handler) SetSourceEnabled(c *gin.Context) {
	source := c.Param("source")

	var req SetSourceEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	err := h.store.SetSourceEnabled(c.Request.Context(), source, *req.Enabled)
	if err == ErrUnknownSource {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown source",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "enabled": *req.Enabled})
}
