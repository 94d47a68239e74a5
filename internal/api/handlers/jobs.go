package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/spool"
)

type JobHandler struct {
	service *spool.Service
	logger  *zap.Logger
}

func NewJobHandler(service *spool.Service, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{service: service, logger: logger.Named("api.jobs")}
}

func (h *JobHandler) PrintPDF(c *gin.Context) {
	var req spool.PrintPDFRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	h.logger.Info("pdf print requested", zap.String("printer", printerOrDefault(req.PrinterName)))

	result, err := h.service.SubmitPDF(c.Request.Context(), req)
	if err != nil {
		h.submitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "PDF added to the print queue",
		"data":    result,
	})
}

func (h *JobHandler) PrintText(c *gin.Context) {
	var req spool.PrintTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	h.logger.Info("text print requested", zap.String("printer", printerOrDefault(req.PrinterName)))

	result, err := h.service.SubmitText(c.Request.Context(), req)
	if err != nil {
		h.submitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Text added to the print queue",
		"data":    result,
	})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	status, err := h.service.QueueStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to get queue status", zap.Error(err))
		internalError(c, "failed to get queue status")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"waiting":   status.Waiting,
			"active":    status.Active,
			"completed": status.Completed,
			"failed":    status.Failed,
			"delayed":   status.Delayed,
			"total":     status.Total(),
			"timestamp": time.Now().UTC(),
		},
	})
}

// GetJob accepts the identifier as ?jobId= or ?requestId=.
func (h *JobHandler) GetJob(c *gin.Context) {
	id := c.Query("jobId")
	if id == "" {
		id = c.Query("requestId")
	}

	status, found, err := h.service.JobStatus(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to get job status", zap.String("request_id", id), zap.Error(err))
		internalError(c, "failed to get job status")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "Job not found",
			"data":    nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}

func (h *JobHandler) CleanQueue(c *gin.Context) {
	result, err := h.service.CleanQueue(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to clean queue", zap.Error(err))
		internalError(c, "failed to clean queue")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Queue cleaned",
		"data":      result,
		"timestamp": time.Now().UTC(),
	})
}

func (h *JobHandler) submitError(c *gin.Context, err error) {
	var verr *spool.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Request validation failed",
			"errors":  verr.Fields,
		})
		return
	}

	h.logger.Error("failed to submit print job", zap.Error(err))
	internalError(c, "failed to enqueue print job")
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/pdf", h.PrintPDF)
	r.POST("/text", h.PrintText)
	r.GET("/queue/status", h.GetQueue)
	r.GET("/job/status", h.GetJob)
	r.POST("/queue/clean", h.CleanQueue)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"message": "Invalid request body",
		"error":   err.Error(),
	})
}

func internalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": message})
}

func printerOrDefault(name string) string {
	if name == "" {
		return "default"
	}
	return name
}
