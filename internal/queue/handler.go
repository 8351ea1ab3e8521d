package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
)

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.HTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

// APIHandler exposes the broker over HTTP. Subscriptions are created
// through the Go API; the HTTP surface lists and removes them.
type APIHandler struct {
	BaseHandler
	Service *Service
}

func NewAPIHandler(service *Service, log logger.Logger) *APIHandler {
	return &APIHandler{
		BaseHandler: BaseHandler{Logger: log},
		Service:     service,
	}
}

func (h *APIHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		queues := v1.Group("/queues")
		{
			queues.GET("", h.ListQueues)
			queues.POST("", h.CreateQueue)
			queues.GET("/stats", h.GetAllQueueStats)
			queues.DELETE("/:queue", h.DeleteQueue)
			queues.GET("/:queue/stats", h.GetQueueStats)
			queues.POST("/:queue/messages", h.PublishMessage)
			queues.GET("/:queue/subscriptions", h.ListSubscriptions)
			queues.DELETE("/:queue/subscriptions/:id", h.RemoveSubscription)
			queues.GET("/:queue/dead-letters", h.ListDeadLetters)
			queues.POST("/:queue/dead-letters/replay", h.ReplayDeadLetters)
			queues.POST("/:queue/dead-letters/:id/replay", h.ReplayDeadLetter)
		}
	}
}

type CreateQueueRequest struct {
	Name              string `json:"name" binding:"required"`
	DefaultTTLSeconds int    `json:"default_ttl_seconds"`
	RetryAttempts     *int   `json:"retry_attempts"`
	BatchSize         int    `json:"batch_size"`
}

func (h *APIHandler) CreateQueue(c *gin.Context) {
	var req CreateQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	var qcfg *QueueConfig
	if req.DefaultTTLSeconds > 0 || req.RetryAttempts != nil || req.BatchSize > 0 {
		qcfg = &QueueConfig{
			DefaultTTL:    time.Duration(req.DefaultTTLSeconds) * time.Second,
			RetryAttempts: -1,
			BatchSize:     req.BatchSize,
		}
		if req.RetryAttempts != nil {
			qcfg.RetryAttempts = *req.RetryAttempts
		}
	}

	if err := h.Service.CreateQueue(c.Request.Context(), req.Name, qcfg); err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"queue": req.Name})
}

func (h *APIHandler) ListQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": h.Service.Queues()})
}

func (h *APIHandler) DeleteQueue(c *gin.Context) {
	if err := h.Service.DeleteQueue(c.Request.Context(), c.Param("queue")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.Service.Stats(c.Request.Context(), c.Param("queue"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandler) GetAllQueueStats(c *gin.Context) {
	stats, err := h.Service.StatsAll(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats, "count": len(stats)})
}

type PublishRequest struct {
	Payload       json.RawMessage   `json:"payload" binding:"required"`
	TTLSeconds    int               `json:"ttl_seconds"`
	MaxRetries    *int              `json:"max_retries"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id"`
	ReplyTo       string            `json:"reply_to"`
	Headers       map[string]string `json:"headers"`
}

type PublishResponse struct {
	MessageID   string    `json:"message_id"`
	Queue       string    `json:"queue"`
	PublishedAt time.Time `json:"published_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *APIHandler) PublishMessage(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	opts := &PublishOptions{
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		MaxRetries:    req.MaxRetries,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
		Headers:       req.Headers,
	}

	env, err := h.Service.Publish(c.Request.Context(), c.Param("queue"), req.Payload, opts)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, PublishResponse{
		MessageID:   env.ID,
		Queue:       env.QueueName,
		PublishedAt: env.PublishedAt,
		ExpiresAt:   env.ExpiresAt,
	})
}

func (h *APIHandler) ListSubscriptions(c *gin.Context) {
	subs, err := h.Service.Subscriptions(c.Param("queue"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *APIHandler) RemoveSubscription(c *gin.Context) {
	if err := h.Service.Unsubscribe(c.Request.Context(), c.Param("queue"), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandler) ListDeadLetters(c *gin.Context) {
	limit := int64(constants.DefaultDLQListLimit)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("field", "limit").WithDetail("reason", "must be a positive integer"),
			))
			return
		}
		limit = parsed
	}

	envelopes, err := h.Service.DeadLetters(c.Request.Context(), c.Param("queue"), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": envelopes, "count": len(envelopes)})
}

type ReplayDeadLettersRequest struct {
	IDs []string `json:"ids"`
}

// ReplayDeadLetters replays the listed dead letters, or the whole DLQ when
// the body is empty or names no ids.
func (h *APIHandler) ReplayDeadLetters(c *gin.Context) {
	queue := c.Param("queue")

	var req ReplayDeadLettersRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
			return
		}
	}

	count, err := h.Service.ReplayDeadLetters(c.Request.Context(), queue, req.IDs)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "replayed_count": count})
}

func (h *APIHandler) ReplayDeadLetter(c *gin.Context) {
	queue := c.Param("queue")
	messageID := c.Param("id")

	if err := h.Service.ReplayDeadLetter(c.Request.Context(), queue, messageID); err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "message_id": messageID, "status": "replayed"})
}
