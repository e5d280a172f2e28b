package detector

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/execguard/execguard/internal/pagination"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handlers exposes the attack ledger over HTTP.
type Handlers struct {
	store  Store
	logger *slog.Logger
}

// NewHandlers creates HTTP handlers for the attack ledger.
func NewHandlers(store Store, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// RegisterRoutes registers attack ledger endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/attacks", h.listAttacks)
	rg.GET("/attacks/:id", h.getAttack)
}

func (h *Handlers) listAttacks(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be 1-200"})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "malformed cursor"})
		return
	}

	filter := ListFilter{
		Attacker: strings.ToLower(c.Query("attacker")),
		Cursor:   cursor,
		Limit:    limit + 1,
	}
	if t := c.Query("type"); t != "" {
		if !ValidAttackType(AttackType(t)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type", "message": "unknown attack type"})
			return
		}
		filter.Type = AttackType(t)
	}
	if raw := c.Query("mitigated"); raw != "" {
		mitigated, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mitigated", "message": "mitigated must be a boolean"})
			return
		}
		filter.Mitigated = &mitigated
	}

	records, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("list attack records", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list attack records"})
		return
	}

	page, next, hasMore := pagination.ComputePage(records, limit, func(r *AttackRecord) (time.Time, string) {
		return r.DetectedAt, r.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"attacks":     page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

func (h *Handlers) getAttack(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "attack record not found"})
		return
	}
	if err != nil {
		h.logger.Error("get attack record", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load attack record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
