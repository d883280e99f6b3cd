package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxLogBatch caps the entries accepted per request
const maxLogBatch = 500

// ClientLogEntry is one log line reported by the player frontend
type ClientLogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Extension string         `json:"extension,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// ClientLogBatch is a batch of frontend log entries
type ClientLogBatch struct {
	Source  string           `json:"source" binding:"required"`
	Entries []ClientLogEntry `json:"entries" binding:"required,min=1"`
}

// StreamLogs forwards frontend log entries into the server log
func (h *Handlers) StreamLogs(c *gin.Context) {
	var req ClientLogBatch
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid log batch")
		return
	}
	if len(req.Entries) > maxLogBatch {
		badRequest(c, "too many log entries")
		return
	}

	logger := h.logger.With(zap.String("source", req.Source))
	for _, entry := range req.Entries {
		logEntry(logger, entry)
	}

	c.JSON(http.StatusOK, gin.H{"accepted": len(req.Entries)})
}

func logEntry(logger *zap.Logger, entry ClientLogEntry) {
	fields := make([]zap.Field, 0, len(entry.Context)+2)
	if entry.Extension != "" {
		fields = append(fields, zap.String("extension", entry.Extension))
	}
	if entry.Timestamp != "" {
		fields = append(fields, zap.String("client_timestamp", entry.Timestamp))
	}
	for key, value := range entry.Context {
		switch v := value.(type) {
		case string:
			fields = append(fields, zap.String(key, v))
		case float64:
			fields = append(fields, zap.Float64(key, v))
		case bool:
			fields = append(fields, zap.Bool(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}

	switch entry.Level {
	case "error":
		logger.Error(entry.Message, fields...)
	case "warn":
		logger.Warn(entry.Message, fields...)
	case "debug", "verbose":
		logger.Debug(entry.Message, fields...)
	default:
		logger.Info(entry.Message, fields...)
	}
}
