package http

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/monitoring"
	perrors "peerlink/pkg/errors"
	"peerlink/pkg/logger"
	"peerlink/pkg/validation"
)

// PeerHandler exposes the connection coordinator over HTTP
type PeerHandler struct {
	service ports.ConnectionService
	health  *monitoring.HealthChecker
	logger  *logger.ContextLogger
}

func NewPeerHandler(service ports.ConnectionService, health *monitoring.HealthChecker, log *zap.SugaredLogger) *PeerHandler {
	return &PeerHandler{
		service: service,
		health:  health,
		logger:  logger.NewContextLogger(log.Desugar()),
	}
}

func (h *PeerHandler) log(c *gin.Context) *zap.SugaredLogger {
	return h.logger.WithContext(c.Request.Context()).Sugar()
}

// SetupRoutes registers /health and the /api/v1 group. Extra middleware
// (authentication) applies to the api group only. sendLimit, when not nil,
// guards the message route on top of the router-wide limit.
func (h *PeerHandler) SetupRoutes(router *gin.Engine, sendLimit gin.HandlerFunc, apiMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1", apiMiddleware...)
	{
		api.GET("/peers", h.ListPeers)
		api.POST("/peers", h.ConnectPeer)
		api.GET("/peers/:id", h.GetPeer)
		api.DELETE("/peers/:id", h.DisconnectPeer)
		api.POST("/peers/:id/reconnect", h.ReconnectPeer)
		send := []gin.HandlerFunc{h.SendMessage}
		if sendLimit != nil {
			send = append([]gin.HandlerFunc{sendLimit}, send...)
		}
		api.POST("/peers/:id/messages", send...)
		api.GET("/reconnects", h.ListReconnects)
		api.PUT("/network", h.SetNetwork)
	}
}

type ConnectRequest struct {
	ID      string `json:"id" binding:"required"`
	Name    string `json:"name"`
	Address string `json:"address" binding:"required"`
}

type NetworkRequest struct {
	Available *bool `json:"available" binding:"required"`
}

type PeerResponse struct {
	ID    domain.PeerID          `json:"id"`
	State domain.ConnectionState `json:"state"`
}

func (h *PeerHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *PeerHandler) ListPeers(c *gin.Context) {
	states, err := h.service.States(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	peers := make([]PeerResponse, 0, len(states))
	for id, state := range states {
		peers = append(peers, PeerResponse{ID: id, State: state})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"total": len(peers),
	})
}

func (h *PeerHandler) GetPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	state, err := h.service.State(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, PeerResponse{ID: id, State: state})
}

func (h *PeerHandler) ConnectPeer(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(perrors.NewConfigError("", "invalid request format: "+err.Error()))
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	if err := validation.ValidatePeerID(req.ID); err != nil {
		_ = c.Error(perrors.NewConfigError(req.ID, err.Error()))
		return
	}
	if err := validation.ValidatePeerName(req.Name); err != nil {
		_ = c.Error(perrors.NewConfigError(req.ID, err.Error()))
		return
	}
	if err := validation.ValidateAddress(req.Address); err != nil {
		_ = c.Error(perrors.NewConfigError(req.ID, err.Error()))
		return
	}

	desc := domain.PeerDescriptor{
		ID:      domain.PeerID(req.ID),
		Name:    strings.TrimSpace(req.Name),
		Address: req.Address,
	}
	if desc.Name == "" {
		desc.Name = req.ID
	}

	if err := h.service.Connect(c.Request.Context(), desc); err != nil {
		_ = c.Error(err)
		return
	}

	h.log(c).Infow("connect requested", "peer_id", desc.ID, "address", desc.Address)
	c.JSON(http.StatusAccepted, gin.H{"peer": desc})
}

func (h *PeerHandler) DisconnectPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	if err := h.service.Disconnect(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PeerHandler) ReconnectPeer(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	if err := h.service.Reconnect(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"peer_id": id, "status": "scheduled"})
}

func (h *PeerHandler) SendMessage(c *gin.Context) {
	id, ok := peerParam(c)
	if !ok {
		return
	}

	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		_ = c.Error(perrors.NewConfigError(string(id), "message body is required"))
		return
	}

	if err := h.service.Send(c.Request.Context(), id, data); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *PeerHandler) ListReconnects(c *gin.Context) {
	tasks, err := h.service.PendingReconnects(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if tasks == nil {
		tasks = []domain.ReconnectTask{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reconnects": tasks,
		"total":      len(tasks),
	})
}

func (h *PeerHandler) SetNetwork(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(perrors.NewConfigError("", "invalid request format: "+err.Error()))
		return
	}

	if err := h.service.SetNetworkAvailable(c.Request.Context(), *req.Available); err != nil {
		_ = c.Error(err)
		return
	}

	h.log(c).Infow("network availability changed", "available", *req.Available)
	c.JSON(http.StatusOK, gin.H{"available": *req.Available})
}

func peerParam(c *gin.Context) (domain.PeerID, bool) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		_ = c.Error(perrors.NewConfigError(id, err.Error()))
		return "", false
	}
	return domain.PeerID(id), true
}
