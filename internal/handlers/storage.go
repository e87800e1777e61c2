package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatroom/internal/storage"
)

// ObjectReader reads objects of one bucket.
type ObjectReader interface {
	Name() string
	Get(ctx context.Context, name string) (storage.Object, error)
}

// StorageHandler serves public objects.
type StorageHandler struct {
	bucket ObjectReader
}

func NewStorageHandler(bucket ObjectReader) *StorageHandler {
	return &StorageHandler{bucket: bucket}
}

// GetPublicObject serves /storage/v1/object/public/:bucket/*name.
func (h *StorageHandler) GetPublicObject(c *gin.Context) {
	if c.Param("bucket") != h.bucket.Name() {
		c.JSON(http.StatusNotFound, gin.H{"error": "bucket not found"})
		return
	}

	name := strings.TrimPrefix(c.Param("name"), "/")
	obj, err := h.bucket.Get(c.Request.Context(), name)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
		return
	case errors.Is(err, storage.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object name"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read object"})
		return
	}

	contentType := obj.ContentType
	if !storage.IsRasterImage(contentType) {
		contentType = "application/octet-stream"
		c.Header("Content-Disposition", "attachment")
	}
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Content-Security-Policy", "default-src 'none'; sandbox")
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, contentType, obj.Data)
}
