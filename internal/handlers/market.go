package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/federated-storage/marketplace/internal/services"
)

// MarketHandler handles marketplace discovery and provider selection
type MarketHandler struct {
	lookup *services.LookupService
}

// NewMarketHandler creates a new market handler
func NewMarketHandler(lookup *services.LookupService) *MarketHandler {
	return &MarketHandler{lookup: lookup}
}

// SelectProviderRequest names the provider a requester wants to download from
type SelectProviderRequest struct {
	PeerID      string `json:"peer_id" binding:"required"`
	RequesterID string `json:"requester_id"`
}

// FindFile handles an exact-hash marketplace lookup
func (h *MarketHandler) FindFile(c *gin.Context) {
	listing, err := h.lookup.FindByHash(c.Request.Context(), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, listing)
}

// FindPeers handles a DHT lookup of peers that announced a hash
func (h *MarketHandler) FindPeers(c *gin.Context) {
	hash := c.Param("hash")
	peers, err := h.lookup.FindNetworkPeers(c.Request.Context(), hash)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hash": hash, "peers": peers})
}

// SelectProvider handles choosing a provider and sending it the download request
func (h *MarketHandler) SelectProvider(c *gin.Context) {
	var req SelectProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "peer_id", "is required")
		return
	}

	result, err := h.lookup.Negotiate(c.Request.Context(), c.Param("hash"), req.PeerID, req.RequesterID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
