package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printhook/internal/config"
)

// SettingsHandler reports the effective configuration. Secrets never leave
// the process.
type SettingsHandler struct {
	config *config.Config
}

type ServerConfigResponse struct {
	Port           int      `json:"port"`
	Store          string   `json:"store"`
	DatabasePath   string   `json:"database_path,omitempty"`
	ArchiveEnabled bool     `json:"archive_enabled"`
	ArchivePath    string   `json:"archive_path,omitempty"`
	AuthEnabled    bool     `json:"auth_enabled"`
	AllowedOrigins []string `json:"allowed_origins"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"`
}

type QueueSettingsResponse struct {
	MaxAttempts        int    `json:"max_attempts"`
	BackoffBase        string `json:"backoff_base"`
	BackoffMax         string `json:"backoff_max"`
	JobTimeout         string `json:"job_timeout"`
	CompletedRetention string `json:"completed_retention"`
	FailedRetention    string `json:"failed_retention"`
	CleanInterval      string `json:"clean_interval"`
}

type PrinterSettingsResponse struct {
	Backend        string `json:"backend"`
	DefaultPrinter string `json:"default_printer,omitempty"`
	SpoolDir       string `json:"spool_dir"`
	SpoolGrace     string `json:"spool_grace"`
}

type SettingsResponse struct {
	Server   ServerConfigResponse    `json:"server"`
	Queue    QueueSettingsResponse   `json:"queue"`
	Printers PrinterSettingsResponse `json:"printers"`
	Webhooks int                     `json:"webhooks"`
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	cfg := h.config
	resp := SettingsResponse{
		Server: ServerConfigResponse{
			Port:           cfg.Server.Port,
			Store:          cfg.Store.Driver,
			ArchiveEnabled: cfg.Archive.Enabled,
			AuthEnabled:    cfg.Auth.Enabled,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			LogLevel:       cfg.Logging.Level,
			LogFormat:      cfg.Logging.Format,
		},
		Queue: QueueSettingsResponse{
			MaxAttempts:        cfg.Queue.MaxAttempts,
			BackoffBase:        cfg.Queue.BackoffBase.String(),
			BackoffMax:         cfg.Queue.BackoffMax.String(),
			JobTimeout:         cfg.Queue.JobTimeout.String(),
			CompletedRetention: cfg.Queue.CompletedRetention.String(),
			FailedRetention:    cfg.Queue.FailedRetention.String(),
			CleanInterval:      cfg.Queue.CleanInterval.String(),
		},
		Printers: PrinterSettingsResponse{
			Backend:        cfg.Printers.Backend,
			DefaultPrinter: cfg.Printers.DefaultPrinter,
			SpoolDir:       cfg.Printers.SpoolDir,
			SpoolGrace:     cfg.Printers.SpoolGrace.String(),
		},
		Webhooks: len(cfg.Webhooks),
	}
	if cfg.Store.Driver == config.StoreSQLite {
		resp.Server.DatabasePath = cfg.Database.Path
	}
	if cfg.Archive.Enabled {
		resp.Server.ArchivePath = cfg.Archive.Path
	}
	if resp.Server.AllowedOrigins == nil {
		resp.Server.AllowedOrigins = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
}
