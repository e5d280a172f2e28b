package pricecheck

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/execguard/execguard/internal/validation"
)

// Handlers exposes reference config management over HTTP.
type Handlers struct {
	validator *Validator
	store     Store
	logger    *slog.Logger
}

// NewHandlers creates HTTP handlers for price reference configs.
func NewHandlers(validator *Validator, store Store, logger *slog.Logger) *Handlers {
	return &Handlers{validator: validator, store: store, logger: logger}
}

// RegisterRoutes registers read-only reference endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/prices/references", h.listConfigs)
	rg.GET("/prices/references/:asset", h.getConfig)
}

// RegisterAdminRoutes registers operator-only config management.
func (h *Handlers) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.PUT("/prices/references/:asset", h.putConfig)
	rg.DELETE("/prices/references/:asset", h.deleteConfig)
}

func (h *Handlers) listConfigs(c *gin.Context) {
	configs, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list reference configs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list reference configs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"references": configs, "count": len(configs)})
}

func (h *Handlers) getConfig(c *gin.Context) {
	asset := strings.ToLower(c.Param("asset"))
	if !validation.IsValidEthAddress(asset) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be a valid address"})
		return
	}

	cfg, err := h.store.Get(c.Request.Context(), asset)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reference configured for asset"})
		return
	}
	if err != nil {
		h.logger.Error("get reference config", "asset", asset, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load reference config"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type putConfigRequest struct {
	Source          string `json:"source" binding:"required"`
	WindowSeconds   int    `json:"windowSeconds" binding:"required,min=1"`
	MaxDeviationBps int    `json:"maxDeviationBps" binding:"required,min=1,max=10000"`
	Active          *bool  `json:"active"`
}

func (h *Handlers) putConfig(c *gin.Context) {
	asset := strings.ToLower(c.Param("asset"))
	if !validation.IsValidEthAddress(asset) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be a valid address"})
		return
	}

	var req putConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	cfg := &ReferenceConfig{
		Asset:           asset,
		Source:          validation.SanitizeString(req.Source, 64),
		Window:          time.Duration(req.WindowSeconds) * time.Second,
		MaxDeviationBps: req.MaxDeviationBps,
		Active:          active,
	}
	if err := h.store.Put(c.Request.Context(), cfg); err != nil {
		h.logger.Error("put reference config", "asset", asset, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save reference config"})
		return
	}

	h.logger.Info("reference config updated", "asset", asset, "source", cfg.Source, "ceiling_bps", cfg.MaxDeviationBps)
	c.JSON(http.StatusOK, cfg)
}

func (h *Handlers) deleteConfig(c *gin.Context) {
	asset := strings.ToLower(c.Param("asset"))

	err := h.store.Delete(c.Request.Context(), asset)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reference configured for asset"})
		return
	}
	if err != nil {
		h.logger.Error("delete reference config", "asset", asset, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete reference config"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": asset})
}
