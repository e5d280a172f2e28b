package protection

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/execguard/execguard/internal/detector"
	"github.com/execguard/execguard/internal/idgen"
)

// Handlers exposes protection rule management over HTTP.
type Handlers struct {
	store  Store
	logger *slog.Logger
}

// NewHandlers creates HTTP handlers for protection rules.
func NewHandlers(store Store, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// RegisterRoutes registers read-only rule endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/rules", h.listRules)
	rg.GET("/rules/:id", h.getRule)
}

// RegisterAdminRoutes registers operator-only rule management.
func (h *Handlers) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/rules", h.createRule)
	rg.PUT("/rules/:id", h.updateRule)
	rg.DELETE("/rules/:id", h.deleteRule)
}

func (h *Handlers) listRules(c *gin.Context) {
	rules, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list protection rules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list rules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (h *Handlers) getRule(c *gin.Context) {
	rule, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "rule not found"})
		return
	}
	if err != nil {
		h.logger.Error("get protection rule", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load rule"})
		return
	}
	c.JSON(http.StatusOK, rule)
}

type ruleRequest struct {
	AttackType           string   `json:"attackType" binding:"required"`
	Active               *bool    `json:"active"`
	SlippageToleranceBps int      `json:"slippageToleranceBps"`
	MaxPriceImpactBps    int      `json:"maxPriceImpactBps"`
	MinDelayMs           int      `json:"minDelayMs"`
	FeeMultiplier        float64  `json:"feeMultiplier"`
	ExemptAddresses      []string `json:"exemptAddresses"`
	RequireBundle        bool     `json:"requireBundle"`
}

func (r *ruleRequest) toRule(id string) *Rule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return &Rule{
		ID:                   id,
		AttackType:           detector.AttackType(r.AttackType),
		Active:               active,
		SlippageToleranceBps: r.SlippageToleranceBps,
		MaxPriceImpactBps:    r.MaxPriceImpactBps,
		MinDelayMs:           r.MinDelayMs,
		FeeMultiplier:        r.FeeMultiplier,
		ExemptAddresses:      r.ExemptAddresses,
		RequireBundle:        r.RequireBundle,
	}
}

func (h *Handlers) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	rule := req.toRule(idgen.WithPrefix("rule_"))
	if err := rule.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rule", "message": err.Error()})
		return
	}
	if err := h.store.Put(c.Request.Context(), rule); err != nil {
		h.logger.Error("create protection rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save rule"})
		return
	}

	h.logger.Info("protection rule created", "id", rule.ID, "attack_type", rule.AttackType)
	c.JSON(http.StatusCreated, rule)
}

func (h *Handlers) updateRule(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Get(c.Request.Context(), id); errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "rule not found"})
		return
	} else if err != nil {
		h.logger.Error("load protection rule", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load rule"})
		return
	}

	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	rule := req.toRule(id)
	if err := rule.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rule", "message": err.Error()})
		return
	}
	if err := h.store.Put(c.Request.Context(), rule); err != nil {
		h.logger.Error("update protection rule", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save rule"})
		return
	}

	h.logger.Info("protection rule updated", "id", id, "attack_type", rule.AttackType)
	c.JSON(http.StatusOK, rule)
}

func (h *Handlers) deleteRule(c *gin.Context) {
	id := c.Param("id")
	err := h.store.Delete(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "rule not found"})
		return
	}
	if err != nil {
		h.logger.Error("delete protection rule", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete rule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
