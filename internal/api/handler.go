package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/audit"
	"mpesa-service/internal/models"
	"mpesa-service/internal/service"
	"mpesa-service/internal/statemachine"
	"mpesa-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Payments is the slice of *service.PaymentService the handlers call.
type Payments interface {
	InitiatePayment(ctx context.Context, req service.PaymentRequest) (*service.PaymentResult, error)
	RetryPayment(ctx context.Context, id, ipAddress, userAgent string) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*service.TransactionView, error)
	HandleCallback(ctx context.Context, raw []byte) (*statemachine.CallbackResult, error)
}

// CallbackQueue defers callback processing to the callback worker.
type CallbackQueue interface {
	PublishCallbackQueued(ctx context.Context, checkoutRequestID string, raw []byte) error
}

// AuditStats exposes the audit logger counters.
type AuditStats interface {
	Stats() audit.Stats
}

// ReadinessCheck is one dependency probed by /ready.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	payments Payments
	audit    AuditStats
	queue    CallbackQueue
	checks   []ReadinessCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. queue may be nil, in which case
// callbacks are applied inline.
func NewHandler(payments Payments, auditStats AuditStats, queue CallbackQueue, checks ...ReadinessCheck) *Handler {
	return &Handler{
		payments: payments,
		audit:    auditStats,
		queue:    queue,
		checks:   checks,
		logger:   util.ComponentLogger("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments", h.initiatePayment)
		v1.POST("/mpesa/callback", h.mpesaCallback)
		v1.GET("/transactions/:id", h.getTransaction)
		v1.POST("/transactions/:id/retry", h.retryPayment)
		v1.GET("/audit/stats", h.auditStats)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[check.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type initiatePaymentRequest struct {
	TabID       string          `json:"tab_id" binding:"required"`
	CustomerID  string          `json:"customer_id"`
	PhoneNumber string          `json:"phone_number" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// initiatePayment handles STK push initiation
func (h *Handler) initiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.payments.InitiatePayment(c.Request.Context(), service.PaymentRequest{
		TabID:       req.TabID,
		CustomerID:  req.CustomerID,
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount,
		Description: req.Description,
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
	})
	if err != nil {
		h.writeError(c, "Failed to initiate payment", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"transaction": res.Transaction,
		"duplicate":   res.Duplicate,
	})
}

// mpesaCallback receives STK results from the gateway. Anything parseable is
// acknowledged so the gateway does not keep redelivering.
func (h *Handler) mpesaCallback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || !json.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	}

	if h.queue != nil {
		var payload models.CallbackPayload
		if err := json.Unmarshal(raw, &payload); err == nil {
			pubErr := h.queue.PublishCallbackQueued(c.Request.Context(), payload.Body.STKCallback.CheckoutRequestID, raw)
			if pubErr == nil {
				c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
				return
			}
			h.logger.Warn("Failed to queue callback, processing inline", zap.Error(pubErr))
		}
	}

	result, err := h.payments.HandleCallback(c.Request.Context(), raw)
	switch {
	case err == nil && result.Transaction != nil:
		h.logger.Info("Callback processed",
			zap.String("transaction_id", result.Transaction.ID),
			zap.String("status", string(result.Status)),
			zap.Bool("already_processed", result.AlreadyProcessed))
	case errors.Is(err, apperr.ErrNotFound):
		h.logger.Warn("Callback for unknown transaction", zap.Error(err))
	default:
		h.logger.Error("Callback processing failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// getTransaction handles get transaction by ID
func (h *Handler) getTransaction(c *gin.Context) {
	view, err := h.payments.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Transaction not found", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// retryPayment re-pushes a failed, cancelled or timed out transaction
func (h *Handler) retryPayment(c *gin.Context) {
	txn, err := h.payments.RetryPayment(c.Request.Context(), c.Param("id"), c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		h.writeError(c, "Failed to retry payment", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

func (h *Handler) auditStats(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Audit logging is disabled"})
		return
	}
	c.JSON(http.StatusOK, h.audit.Stats())
}

// writeError maps error kinds to status codes
func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidTransition:
		status = http.StatusConflict
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindStorageFailure:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, service.ErrGatewayUnavailable) {
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"kind":    kind.String(),
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
