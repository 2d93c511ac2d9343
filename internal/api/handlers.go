package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/dispatch"
	"execution-core/internal/engine"
	"execution-core/internal/registry"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	pending, filled := s.Registry.Counts()
	c.JSON(http.StatusOK, gin.H{
		"meta":           s.Meta,
		"breaker_state":  s.Breaker.State(),
		"pending_orders": pending,
		"filled_orders":  filled,
		"risk":           s.Risk.Snapshot(),
	})
}

func (s *Server) getPendingOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.Registry.Pending()})
}

func (s *Server) getFilledOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.Registry.Filled()})
}

func (s *Server) getRiskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Risk.Snapshot())
}

type fillRequest struct {
	IdempotencyKey string  `json:"idempotency_key" binding:"required"`
	FillPrice      float64 `json:"fill_price"`
	FillTime       string  `json:"fill_time"` // RFC3339, optional
}

// postFill is the fill-confirmation input: webhook callbacks and manual
// confirmations land here.
func (s *Server) postFill(c *gin.Context) {
	var req fillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var fillTime time.Time
	if req.FillTime != "" {
		parsed, err := time.Parse(time.RFC3339, req.FillTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fill_time must be RFC3339"})
			return
		}
		fillTime = parsed
	}

	filled, err := s.Registry.ConfirmFill(req.IdempotencyKey, req.FillPrice, fillTime)
	switch {
	case errors.Is(err, registry.ErrUnknownKey):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrAlreadyFilled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"filled": filled})
	}
}

type entryRequest struct {
	Orders           []dispatch.OrderIntent `json:"orders" binding:"required,min=1"`
	ProposedExposure float64                `json:"proposed_exposure"`
}

// postOrders submits an entry batch through the risk gate and dispatcher.
func (s *Server) postOrders(c *gin.Context) {
	var req entryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.Engine.SubmitEntry(c.Request.Context(), req.Orders, req.ProposedExposure)
	if err != nil {
		if errors.Is(err, engine.ErrEntryDenied) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": res.Tag, "success": res.Success, "results": res.Results})
}

type emergencyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) postEmergency(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.Risk.EnterEmergencyMode(req.Reason)
	c.JSON(http.StatusOK, s.Risk.Snapshot())
}

func (s *Server) deleteEmergency(c *gin.Context) {
	s.Risk.ClearEmergencyMode()
	c.JSON(http.StatusOK, s.Risk.Snapshot())
}

func (s *Server) postReconcilePoll(c *gin.Context) {
	if s.Reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}
	report, err := s.Reconciler.PollNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
