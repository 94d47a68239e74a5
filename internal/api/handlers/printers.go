package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/spool"
)

type PrinterHandler struct {
	service *spool.Service
	logger  *zap.Logger
}

func NewPrinterHandler(service *spool.Service, logger *zap.Logger) *PrinterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrinterHandler{service: service, logger: logger.Named("api.printers")}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	list, err := h.service.ListPrinters(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list printers", zap.Error(err))
		internalError(c, "failed to list printers")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": list})
}

// Health always answers 200 so load balancers can read the body; a
// degraded service reports it in status.
func (h *PrinterHandler) Health(c *gin.Context) {
	report := h.service.Health(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  report.Status,
		"data":    report,
	})
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
}
