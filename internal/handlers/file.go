package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/federated-storage/marketplace/internal/models"
	"github.com/federated-storage/marketplace/internal/services"
)

// FileHandler handles the owner's file registry requests
type FileHandler struct {
	ingest      *services.IngestService
	registry    *services.RegistryService
	selfPeerID  string
	providerFee float64
}

// NewFileHandler creates a new file handler
func NewFileHandler(ingest *services.IngestService, registry *services.RegistryService) *FileHandler {
	return &FileHandler{ingest: ingest, registry: registry}
}

// WithSelfProvider makes uploads register peerID as a provider of the new file
func (h *FileHandler) WithSelfProvider(peerID string, fee float64) *FileHandler {
	h.selfPeerID = peerID
	h.providerFee = fee
	return h
}

// UpdateFileRequest changes the mutable fields of a record
type UpdateFileRequest struct {
	Description *string  `json:"description"`
	Fee         *float64 `json:"fee"`
}

// Upload handles multipart uploads: the file is hashed, stored and registered
func (h *FileHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
				"kind":  models.KindValidation,
			})
			return
		}
		badRequest(c, "file", "multipart field is required")
		return
	}

	var fee float64
	if raw := c.PostForm("fee"); raw != "" {
		fee, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(c, "fee", "must be a number")
			return
		}
	}

	fileType := c.PostForm("type")
	if fileType == "" {
		fileType = fileHeader.Header.Get("Content-Type")
	}

	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, models.NewStorageError("open upload", err))
		return
	}
	defer f.Close()

	rec, err := h.ingest.Ingest(c.Request.Context(), services.IngestRequest{
		Name:        fileHeader.Filename,
		Type:        fileType,
		Description: c.PostForm("description"),
		Fee:         fee,
		Content:     f,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	h.provideSelf(c, rec)

	c.JSON(http.StatusCreated, gin.H{"file": rec})
}

func (h *FileHandler) provideSelf(c *gin.Context, rec *models.FileRecord) {
	if h.selfPeerID == "" {
		return
	}

	ctx := c.Request.Context()
	if err := h.registry.RegisterProvider(ctx, rec.Hash, h.selfPeerID, h.providerFee); err != nil {
		log.Warnw("failed to register self as provider", "hash", rec.Hash, "error", err)
		return
	}
	providers, err := h.registry.ListProviders(ctx, rec.Hash)
	if err != nil {
		log.Warnw("failed to list providers", "hash", rec.Hash, "error", err)
		return
	}
	rec.Providers = providers
}

// Register completes a registration for content that was stored but not registered
func (h *FileHandler) Register(c *gin.Context) {
	var meta services.Metadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		badRequest(c, "body", err.Error())
		return
	}

	rec, err := h.ingest.Register(c.Request.Context(), c.Param("hash"), meta)
	if err != nil {
		writeError(c, err)
		return
	}

	h.provideSelf(c, rec)

	c.JSON(http.StatusCreated, gin.H{"file": rec})
}

// ListFiles handles listing every registered file, published or not
func (h *FileHandler) ListFiles(c *gin.Context) {
	files, err := h.registry.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"files": files})
}

// GetFile handles fetching one record by exact hash
func (h *FileHandler) GetFile(c *gin.Context) {
	rec, err := h.registry.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"file": rec})
}

// DownloadFile streams the locally stored content of a file
func (h *FileHandler) DownloadFile(c *gin.Context) {
	ctx := c.Request.Context()
	hash := c.Param("hash")

	rec, err := h.registry.Get(ctx, hash)
	if err != nil {
		writeError(c, err)
		return
	}

	rc, err := h.ingest.Fetch(ctx, hash)
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	contentType := rec.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, rec.Size, contentType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", rec.Name),
	})
}

// UpdateFile handles changing the description and fee of a record
func (h *FileHandler) UpdateFile(c *gin.Context) {
	var req UpdateFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	if req.Description == nil && req.Fee == nil {
		badRequest(c, "body", "nothing to update")
		return
	}

	rec, err := h.registry.UpdateMetadata(c.Request.Context(), c.Param("hash"), req.Description, req.Fee)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"file": rec})
}

// DeleteFile handles removing a record and its stored content
func (h *FileHandler) DeleteFile(c *gin.Context) {
	if err := h.ingest.Remove(c.Request.Context(), c.Param("hash")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// TogglePublish flips the publish state. With ?expect=true|false the flip
// only happens if the current state matches, otherwise 409 is returned.
func (h *FileHandler) TogglePublish(c *gin.Context) {
	ctx := c.Request.Context()
	hash := c.Param("hash")

	var (
		published bool
		err       error
	)
	if raw, ok := c.GetQuery("expect"); ok {
		expect, perr := strconv.ParseBool(raw)
		if perr != nil {
			badRequest(c, "expect", "must be true or false")
			return
		}
		published, err = h.registry.TogglePublishIf(ctx, hash, expect)
	} else {
		published, err = h.registry.TogglePublish(ctx, hash)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hash": hash, "is_published": published})
}
