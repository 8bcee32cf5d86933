package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/dto"
	"github.com/BarkinBalci/event-ingestion-service/internal/service"
	"github.com/BarkinBalci/event-ingestion-service/internal/validation"
)

// HeaderCorrelationID is read from and echoed on webhook requests
const HeaderCorrelationID = "X-Correlation-ID"

const errNotAnArray = "webhook body must be an array of events"

type Handler struct {
	gatewayService service.GatewayServicer
	validator      *validation.Validator
	metrics        http.Handler
	config         config.Gateway
	router         *gin.Engine
	log            *zap.Logger
}

func NewHandler(gatewayService service.GatewayServicer, validator *validation.Validator, metrics http.Handler, cfg config.Gateway, log *zap.Logger) *Handler {
	h := &Handler{
		gatewayService: gatewayService,
		validator:      validator,
		metrics:        metrics,
		config:         cfg,
		router:         gin.New(),
		log:            log,
	}

	h.router.Use(gin.Recovery(), h.requestLogger())
	h.registerRoutes()

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.healthCheck)
	h.router.GET("/ready", h.readyCheck)
	h.router.POST("/webhook", h.receiveWebhook)
	if h.metrics != nil {
		h.router.GET("/metrics", gin.WrapH(h.metrics))
	}
}

// healthCheck handles GET /health
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, dto.StatusResponse{Status: "ok"})
}

// readyCheck handles GET /ready
func (h *Handler) readyCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.gatewayService.Ready(ctx); err != nil {
		h.log.Warn("Readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, dto.StatusResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Status: "ok"})
}

// receiveWebhook handles POST /webhook. The whole request is rejected if any
// checked event is invalid; otherwise every event is published individually.
func (h *Handler) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warn("Webhook body too large", zap.Int64("limit_bytes", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
				Error:   "payload_too_large",
				Message: "webhook body exceeds the size limit",
			})
			return
		}
		h.log.Warn("Failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: errNotAnArray,
		})
		return
	}

	if h.config.MaxEvents > 0 && len(raw) > h.config.MaxEvents {
		h.log.Warn("Webhook has too many events",
			zap.Int("event_count", len(raw)),
			zap.Int("limit", h.config.MaxEvents))
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
			Error:   "too_many_events",
			Message: "webhook carries more events than allowed",
		})
		return
	}

	events, issues := h.validator.ValidateBatch(raw)
	if len(issues) > 0 {
		h.log.Warn("Invalid webhook events",
			zap.Int("event_count", len(raw)),
			zap.Int("issue_count", len(issues)))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: issues[0].Message,
			Issues:  issues,
		})
		return
	}

	correlationID := h.gatewayService.PublishEvents(c.Request.Context(), events, c.GetHeader(HeaderCorrelationID))

	c.Header(HeaderCorrelationID, correlationID)
	c.JSON(http.StatusOK, dto.WebhookResponse{
		Status:   "ok",
		Received: len(raw),
	})
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		h.log.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", c.Writer.Header().Get(HeaderCorrelationID)))
	}
}
