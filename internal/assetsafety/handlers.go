package assetsafety

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/execguard/execguard/internal/validation"
)

// Handler provides HTTP endpoints for asset safety verdicts.
type Handler struct {
	analyzer *Analyzer
	store    Store
}

// NewHandler creates an asset safety handler.
func NewHandler(analyzer *Analyzer, store Store) *Handler {
	return &Handler{analyzer: analyzer, store: store}
}

// RegisterRoutes sets up read endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/assets/:asset/safety", h.GetVerdict)
	r.GET("/assets/safety", h.ListVerdicts)
}

// RegisterAdminRoutes sets up the publish endpoint (operator-gated by the server).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/assets/:asset/safety", h.PublishVerdict)
}

// GetVerdict returns the current verdict for an asset, probing if needed.
func (h *Handler) GetVerdict(c *gin.Context) {
	asset := strings.ToLower(c.Param("asset"))
	if !validation.IsValidEthAddress(asset) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_asset",
			"message": "Asset must be a valid 0x-prefixed hex address",
		})
		return
	}

	verdict, err := h.analyzer.Verdict(c.Request.Context(), asset)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_verdict",
			"message": "No safety data for this asset",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "analysis_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verdict": verdict,
		"stale":   verdict.Stale(time.Now()),
	})
}

// ListVerdicts returns all stored verdicts.
func (h *Handler) ListVerdicts(c *gin.Context) {
	verdicts, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verdicts": verdicts})
}

// PublishVerdictRequest is an operator-supplied verdict.
type PublishVerdictRequest struct {
	Tier            string  `json:"tier" binding:"required"`
	BuyCostPct      float64 `json:"buyCostPct"`
	SellCostPct     float64 `json:"sellCostPct"`
	CanFullyExit    bool    `json:"canFullyExit"`
	TransferCaps    bool    `json:"transferCaps"`
	ValidForSeconds int64   `json:"validForSeconds"`
}

// PublishVerdict stores an externally computed verdict for an asset.
func (h *Handler) PublishVerdict(c *gin.Context) {
	asset := strings.ToLower(c.Param("asset"))
	if !validation.IsValidEthAddress(asset) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_asset",
			"message": "Asset must be a valid 0x-prefixed hex address",
		})
		return
	}

	var req PublishVerdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tier := RiskTier(req.Tier)
	switch tier {
	case TierSafe, TierLow, TierMedium, TierHigh, TierUnsafe:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tier",
			"message": "tier must be one of safe, low, medium, high, unsafe",
		})
		return
	}

	validFor := DefaultValidity
	if req.ValidForSeconds > 0 {
		validFor = time.Duration(req.ValidForSeconds) * time.Second
	}

	verdict := &Verdict{
		Asset:        asset,
		Tier:         tier,
		BuyCostPct:   req.BuyCostPct,
		SellCostPct:  req.SellCostPct,
		CanFullyExit: req.CanFullyExit,
		TransferCaps: req.TransferCaps,
		EvaluatedAt:  time.Now(),
		ValidFor:     validFor,
	}
	if err := h.store.Put(c.Request.Context(), verdict); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "publish_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verdict": verdict})
}
