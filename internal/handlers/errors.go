package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"

	"github.com/federated-storage/marketplace/internal/models"
)

var log = logging.Logger("handlers")

var kindStatus = map[string]int{
	models.KindValidation:          http.StatusBadRequest,
	models.KindNotFound:            http.StatusNotFound,
	models.KindConflict:            http.StatusConflict,
	models.KindInvalidSelection:    http.StatusUnprocessableEntity,
	models.KindStorageFailure:      http.StatusServiceUnavailable,
	models.KindStoredNotRegistered: http.StatusInternalServerError,
	models.KindInternal:            http.StatusInternalServerError,
}

// writeError responds with the status and machine-readable kind of err
func writeError(c *gin.Context, err error) {
	kind := models.Kind(err)
	status := kindStatus[kind]

	body := gin.H{"error": err.Error(), "kind": kind}
	var regErr *models.RegistrationError
	if errors.As(err, &regErr) {
		body["hash"] = regErr.Hash
	}

	if status >= http.StatusInternalServerError {
		log.Errorw("request failed", "path", c.FullPath(), "kind", kind, "error", err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, field, reason string) {
	writeError(c, &models.ValidationError{Field: field, Reason: reason})
}
