// Package handlers serves the relay's plain HTTP routes.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/cloneot/yjs-playground/backend/internal/collab"
)

type Documents struct {
	svc collab.Service
}

func NewDocuments(svc collab.Service) *Documents {
	return &Documents{svc: svc}
}

// GetDocument serves GET /collab/docs/:doc, the plain-text view of a room.
func (h *Documents) GetDocument(c *gin.Context) {
	docID := c.Param("doc")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "document id missing"})
		return
	}
	p, err := h.svc.Preview(c.Request.Context(), docID)
	if errors.Is(err, collab.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document " + docID + " not found"})
		return
	}
	if err != nil {
		glog.Errorf("[http] preview %s: %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load document failed"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
