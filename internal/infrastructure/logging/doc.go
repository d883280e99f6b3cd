// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// When a log file is configured, entries are also written to it in JSON
// and the file is rotated by lumberjack.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Extension installed", zap.String("extension_id", id))
//	logger.Error("Install failed", zap.Error(err))
package logging
