package http

import (
	"net/http"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/infrastructure/signal"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RelayHandler exposes the relay's HTTP surface: the websocket upgrade
// endpoint, an operator view of connected devices, and a development-only
// token endpoint.
type RelayHandler struct {
	relay       *signal.Relay
	jwtSecret   string
	issueTokens bool
	auth        gin.HandlerFunc
}

// NewRelayHandler creates the relay HTTP surface. auth, when non-nil, guards
// the operator endpoints.
func NewRelayHandler(relay *signal.Relay, jwtSecret string, issueTokens bool, auth gin.HandlerFunc) *RelayHandler {
	return &RelayHandler{
		relay:       relay,
		jwtSecret:   jwtSecret,
		issueTokens: issueTokens,
		auth:        auth,
	}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", gin.WrapF(h.relay.HandleWebSocket))
	router.GET("/health", gin.WrapF(h.relay.HealthCheck))

	api := router.Group("/api/v1")
	{
		// Token minting stays open: a device cannot hold a token before
		// it has one.
		if h.issueTokens {
			api.POST("/tokens", h.IssueToken)
		}

		protected := api.Group("")
		if h.auth != nil {
			protected.Use(h.auth)
		}
		protected.GET("/devices", h.ListDevices)
	}
}

func (h *RelayHandler) ListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"devices": h.relay.DeviceStatuses(),
	})
}

// IssueToken mints a short-lived device token. Enabled only when the relay
// runs without an external identity provider.
func (h *RelayHandler) IssueToken(c *gin.Context) {
	var req struct {
		DeviceID domain.DeviceID `json:"device_id" binding:"required"`
		TTL      string          `json:"ttl"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDeviceID(string(req.DeviceID)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	ttl := 24 * time.Hour
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			c.Error(apperrors.NewInvalidInputError("invalid ttl"))
			return
		}
		ttl = parsed
	}

	token, err := signal.IssueDeviceToken(h.jwtSecret, req.DeviceID, ttl)
	if err != nil {
		c.Error(apperrors.NewInternalError("failed to issue token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"expires_in": ttl.Seconds(),
	})
}
