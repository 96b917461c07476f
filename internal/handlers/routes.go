package handlers

import "github.com/gin-gonic/gin"

// Handlers groups the API handlers mounted under /api/v1
type Handlers struct {
	Files     *FileHandler
	Providers *ProviderHandler
	Market    *MarketHandler
}

// Register mounts the API routes on api. uploadMiddleware wraps only the
// routes that accept file content.
func (h *Handlers) Register(api *gin.RouterGroup, uploadMiddleware ...gin.HandlerFunc) {
	files := api.Group("/files")
	{
		upload := append(append([]gin.HandlerFunc{}, uploadMiddleware...), h.Files.Upload)
		files.POST("/upload", upload...)
		files.GET("", h.Files.ListFiles)
		files.GET("/:hash", h.Files.GetFile)
		files.GET("/:hash/content", h.Files.DownloadFile)
		files.PATCH("/:hash", h.Files.UpdateFile)
		files.DELETE("/:hash", h.Files.DeleteFile)
		files.POST("/:hash/publish", h.Files.TogglePublish)
		files.POST("/:hash/register", h.Files.Register)

		files.GET("/:hash/providers", h.Providers.ListProviders)
		files.PUT("/:hash/providers/:peer_id", h.Providers.RegisterProvider)
		files.DELETE("/:hash/providers/:peer_id", h.Providers.RemoveProvider)
	}

	market := api.Group("/market")
	{
		market.GET("/files/:hash", h.Market.FindFile)
		market.GET("/files/:hash/peers", h.Market.FindPeers)
		market.POST("/files/:hash/select", h.Market.SelectProvider)
	}
}
