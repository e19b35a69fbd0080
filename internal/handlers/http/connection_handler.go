package http

import (
	"encoding/base64"
	"net/http"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/monitoring"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// ConnectionHandler exposes the agent's connection table over HTTP for
// local tooling and debugging. Errors attached to the gin context are
// rendered by the error handler middleware.
type ConnectionHandler struct {
	connections ports.ConnectionService
	optimizer   ports.OptimizerService
	health      *monitoring.HealthChecker
}

func NewConnectionHandler(
	connections ports.ConnectionService,
	optimizer ports.OptimizerService,
	health *monitoring.HealthChecker,
) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		optimizer:   optimizer,
		health:      health,
	}
}

func (h *ConnectionHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/connections", h.ListConnections)
		api.GET("/connections/:id", h.GetConnection)
		api.POST("/connections", h.InitiateConnection)
		api.DELETE("/connections/:id", h.CloseConnection)
		api.POST("/messages", h.SendMessage)
		api.GET("/devices", h.DiscoverDevices)
		api.GET("/quality", h.GetQuality)
		api.PUT("/quality", h.UpdateQuality)
		api.POST("/quality/reset", h.ResetQuality)
	}
}

func (h *ConnectionHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ConnectionHandler) Ready(c *gin.Context) {
	if h.health == nil || h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
}

func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": h.connections.Connections(),
	})
}

func (h *ConnectionHandler) GetConnection(c *gin.Context) {
	id := domain.ConnectionID(c.Param("id"))

	conn, ok := h.connections.Connection(id)
	if !ok {
		c.Error(apperrors.NewNoSuchConnection(string(id)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": conn,
	})
}

func (h *ConnectionHandler) InitiateConnection(c *gin.Context) {
	var req struct {
		DeviceID domain.DeviceID      `json:"device_id" binding:"required"`
		Channels []domain.ChannelSpec `json:"channels"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDeviceID(string(req.DeviceID)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	for _, ch := range req.Channels {
		if err := validation.ValidateChannelLabel(ch.Label); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	conn, err := h.connections.Initiate(c.Request.Context(), req.DeviceID, domain.HandshakeOptions{
		Channels: req.Channels,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"connection": conn,
	})
}

func (h *ConnectionHandler) CloseConnection(c *gin.Context) {
	id := domain.ConnectionID(c.Param("id"))
	reason := c.Query("reason")

	if err := h.connections.Close(c.Request.Context(), id, reason); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "closed",
	})
}

func (h *ConnectionHandler) SendMessage(c *gin.Context) {
	var req struct {
		DeviceID domain.DeviceID `json:"device_id" binding:"required"`
		Channel  string          `json:"channel" binding:"required"`
		Data     string          `json:"data" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateChannelLabel(req.Channel); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.Error(apperrors.NewInvalidInputError("data must be base64 encoded"))
		return
	}

	if err := h.connections.Send(req.DeviceID, req.Channel, payload); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "sent",
	})
}

func (h *ConnectionHandler) DiscoverDevices(c *gin.Context) {
	window := 5 * time.Second
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.Error(apperrors.NewInvalidInputError("invalid window duration"))
			return
		}
		window = parsed
	}
	if err := validation.ValidateDiscoveryWindow(window); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	devices, err := h.connections.DiscoverDevices(c.Request.Context(), window)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
	})
}

func (h *ConnectionHandler) GetQuality(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settings": h.optimizer.CurrentSettings(),
	})
}

func (h *ConnectionHandler) UpdateQuality(c *gin.Context) {
	var settings domain.QualitySettings
	if err := c.BindJSON(&settings); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validateQualitySettings(settings); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	h.optimizer.UpdateQualitySettings(settings)
	c.JSON(http.StatusOK, gin.H{
		"settings": h.optimizer.CurrentSettings(),
	})
}

func (h *ConnectionHandler) ResetQuality(c *gin.Context) {
	h.optimizer.ResetToDefaults()
	c.JSON(http.StatusOK, gin.H{
		"settings": h.optimizer.CurrentSettings(),
	})
}

func validateQualitySettings(settings domain.QualitySettings) error {
	if err := validation.ValidateBitrateBps(settings.Video.BitrateBps); err != nil {
		return err
	}
	if err := validation.ValidateFPS(settings.Video.FPS); err != nil {
		return err
	}
	return validation.ValidateResolution(settings.Video.Width, settings.Video.Height)
}
