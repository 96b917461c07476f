package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/federated-storage/marketplace/internal/services"
)

// ProviderHandler handles the provider directory of a file
type ProviderHandler struct {
	registry *services.RegistryService
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(registry *services.RegistryService) *ProviderHandler {
	return &ProviderHandler{registry: registry}
}

// RegisterProviderRequest carries the fee a peer charges for a file
type RegisterProviderRequest struct {
	Fee float64 `json:"fee"`
}

// ListProviders handles listing the providers of a file
func (h *ProviderHandler) ListProviders(c *gin.Context) {
	hash := c.Param("hash")
	providers, err := h.registry.ListProviders(c.Request.Context(), hash)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hash": hash, "providers": providers})
}

// RegisterProvider handles adding or updating a provider of a file
func (h *ProviderHandler) RegisterProvider(c *gin.Context) {
	var req RegisterProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", err.Error())
		return
	}

	hash := c.Param("hash")
	peerID := c.Param("peer_id")
	if err := h.registry.RegisterProvider(c.Request.Context(), hash, peerID, req.Fee); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "registered", "hash": hash, "peer_id": peerID, "fee": req.Fee})
}

// RemoveProvider handles removing a provider of a file
func (h *ProviderHandler) RemoveProvider(c *gin.Context) {
	if err := h.registry.RemoveProvider(c.Request.Context(), c.Param("hash"), c.Param("peer_id")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
