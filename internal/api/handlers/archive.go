package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printhook/internal/archive"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		internalError(c, "failed to list archives")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": ArchiveListResponse{
			Archives: archives,
			Count:    len(archives),
		},
	})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if errors.Is(err, archive.ErrArchiveNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Archive not found"})
		return
	}
	if err != nil {
		internalError(c, "failed to read archive")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": info})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.GET("/archives/:filename", h.GetArchiveInfo)
}
