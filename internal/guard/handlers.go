package guard

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/execguard/execguard/internal/detector"
	"github.com/execguard/execguard/internal/permit"
	"github.com/execguard/execguard/internal/validation"
)

// Handlers exposes submission, observation, mitigation, and status
// control over HTTP. Role gating happens at route registration: the
// server wires operator and guardian groups behind auth middleware.
type Handlers struct {
	service *Service
	status  *Controller
	permits permit.Store
	logger  *slog.Logger
}

// NewHandlers creates the guard HTTP handlers.
func NewHandlers(service *Service, status *Controller, permits permit.Store, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, status: status, permits: permits, logger: logger}
}

// RegisterRoutes registers the unprivileged endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/guard/submit", h.submit)
	rg.POST("/guard/observe", h.observe)
	rg.GET("/guard/status", h.getStatus)
}

// RegisterOperatorRoutes registers operator-gated endpoints.
func (h *Handlers) RegisterOperatorRoutes(rg *gin.RouterGroup) {
	rg.POST("/guard/mitigate/:id", h.mitigate)
	rg.PUT("/guard/status", h.setStatus)
	rg.GET("/guard/status/audit", h.statusAudit)
	rg.GET("/guard/executors", h.listExecutors)
	rg.POST("/guard/executors", h.authorizeExecutor)
	rg.DELETE("/guard/executors/:address", h.revokeExecutor)
}

// RegisterGuardianRoutes registers guardian-gated emergency control.
func (h *Handlers) RegisterGuardianRoutes(rg *gin.RouterGroup) {
	rg.POST("/guard/emergency", h.setEmergency)
	rg.DELETE("/guard/emergency", h.clearEmergency)
}

type submitRequest struct {
	Permit    permit.ExecutionPermit `json:"permit" binding:"required"`
	Signature string                 `json:"signature" binding:"required"`
	Tier      string                 `json:"tier" binding:"required"`
}

func (h *Handlers) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	tier, err := ParseTier(req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": err.Error()})
		return
	}

	sp := &permit.SignedPermit{Permit: req.Permit, Signature: req.Signature}
	result, err := h.service.Submit(c.Request.Context(), sp, tier)
	if err != nil {
		var rejection *permit.RejectionError
		if errors.As(err, &rejection) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rejection.Code, "message": rejection.Message})
			return
		}
		h.logger.Error("submit permit", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to evaluate permit"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) observe(c *gin.Context) {
	var obs detector.Observation
	if err := c.ShouldBindJSON(&obs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidEthAddress(obs.Sender) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sender", "message": "sender must be a valid address"})
		return
	}

	result, err := h.service.Observe(c.Request.Context(), &obs)
	if err != nil {
		h.logger.Error("observe transaction", "tx", obs.TxHash, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to process observation"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) mitigate(c *gin.Context) {
	outcome, err := h.service.Mitigate(c.Request.Context(), c.Param("id"))
	if errors.Is(err, detector.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "attack record not found"})
		return
	}
	if err != nil {
		h.logger.Error("apply mitigation", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to apply mitigation"})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handlers) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.status.Current()})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func (h *Handlers) setStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	err := h.status.Set(c.Request.Context(), Status(strings.ToLower(req.Status)), actorFrom(c), req.Reason)
	if errors.Is(err, ErrInvalidStatus) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": err.Error()})
		return
	}
	if errors.Is(err, ErrEmergencyTransition) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "emergency transitions require the emergency endpoints"})
		return
	}
	if err != nil {
		h.logger.Error("set protection status", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to change status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.status.Current()})
}

type emergencyRequest struct {
	Reason string `json:"reason" binding:"required"`
	// To is the status to resume after clearing; defaults to active.
	To string `json:"to"`
}

func (h *Handlers) setEmergency(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := h.status.SetEmergency(c.Request.Context(), actorFrom(c), req.Reason); err != nil {
		h.logger.Error("set emergency", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to enter emergency"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.status.Current()})
}

func (h *Handlers) clearEmergency(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	to := StatusActive
	if req.To != "" {
		to = Status(strings.ToLower(req.To))
	}
	err := h.status.ClearEmergency(c.Request.Context(), to, actorFrom(c), req.Reason)
	if errors.Is(err, ErrInvalidStatus) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": err.Error()})
		return
	}
	if errors.Is(err, ErrNotInEmergency) {
		c.JSON(http.StatusConflict, gin.H{"error": "not_in_emergency", "message": "protection is not in emergency"})
		return
	}
	if err != nil {
		h.logger.Error("clear emergency", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to leave emergency"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.status.Current()})
}

func (h *Handlers) statusAudit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be 1-1000"})
			return
		}
		limit = n
	}

	entries, err := h.status.AuditLog(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list status audit", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries, "count": len(entries)})
}

func (h *Handlers) listExecutors(c *gin.Context) {
	executors, err := h.permits.ListAuthorized(c.Request.Context())
	if err != nil {
		h.logger.Error("list executors", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list executors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executors": executors, "count": len(executors)})
}

type executorRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handlers) authorizeExecutor(c *gin.Context) {
	var req executorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid address"})
		return
	}

	if err := h.permits.Authorize(c.Request.Context(), req.Address); err != nil {
		h.logger.Error("authorize executor", "address", req.Address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to authorize executor"})
		return
	}
	h.logger.Info("executor authorized", "address", req.Address)
	c.JSON(http.StatusCreated, gin.H{"authorized": strings.ToLower(req.Address)})
}

func (h *Handlers) revokeExecutor(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid address"})
		return
	}

	if err := h.permits.Revoke(c.Request.Context(), address); err != nil {
		h.logger.Error("revoke executor", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to revoke executor"})
		return
	}
	h.logger.Info("executor revoked", "address", address)
	c.JSON(http.StatusOK, gin.H{"revoked": strings.ToLower(address)})
}

// actorFrom names the caller for the audit trail. Auth middleware sets
// the key name; unauthenticated test calls fall back to the client IP.
func actorFrom(c *gin.Context) string {
	if name, ok := c.Get("key_name"); ok {
		if s, ok := name.(string); ok && s != "" {
			return s
		}
	}
	return c.ClientIP()
}
