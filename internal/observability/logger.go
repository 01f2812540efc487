package observability

import (
	"io"
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// LogConfig is the subset of configuration the logger needs.
type LogConfig interface {
	LogSettings() (level, format string)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT, tags it
// with the service name and installs it as the slog default.
func NewLogger(cfg LogConfig) *slog.Logger {
	logger := sharedobs.NewLogger(cfg.LogSettings()).With("service", "storm-bulletins")
	slog.SetDefault(logger)
	return logger
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
