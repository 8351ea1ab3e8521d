package cluster

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"nutriq/internal/config"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
)

// Handler exposes cluster inspection and node administration over HTTP.
type Handler struct {
	manager   *Manager
	migrator  Migrator
	algorithm string
	log       logger.Logger
}

func NewHandler(manager *Manager, migrator Migrator, algorithm string, log logger.Logger) *Handler {
	return &Handler{
		manager:   manager,
		migrator:  migrator,
		algorithm: algorithm,
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		cluster := v1.Group("/cluster")
		{
			cluster.GET("/status", h.GetStatus)
			cluster.POST("/nodes", h.AddNode)
			cluster.DELETE("/nodes/:id", h.RemoveNode)
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.log.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.HTTPStatus(err), errors.ToErrorResponse(err))
}

func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status(h.algorithm))
}

type AddNodeRequest struct {
	Address  string `json:"address" binding:"required"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Role     string `json:"role"`
	Weight   int    `json:"weight"`
}

func (h *Handler) AddNode(c *gin.Context) {
	var req AddNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	node, err := h.manager.AddNode(c.Request.Context(), config.NodeConfig{
		Address:  req.Address,
		Password: req.Password,
		DB:       req.DB,
		Role:     req.Role,
		Weight:   req.Weight,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, node.Snapshot())
}

// RemoveNode drains the node's data onto the rest of the cluster before
// dropping it.
func (h *Handler) RemoveNode(c *gin.Context) {
	id := c.Param("id")

	if h.migrator != nil {
		if err := h.migrator.MigrateNode(c.Request.Context(), id); err != nil {
			h.handleError(c, err)
			return
		}
	}
	if err := h.manager.RemoveNode(id); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
