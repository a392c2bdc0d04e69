// Package logging builds the slog logger used by the petkit command.
//
// Never log passwords or session ids; the petkit client only logs endpoints,
// device ids and outcomes.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joshp123/gopetkit/internal/config"
)

const service = "petkit"

// New builds a JSON or text logger writing to stdout or stderr, with
// service and version attached to every record.
func New(cfg config.LoggingConfig, version string) *slog.Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	default:
		output = os.Stderr
	}
	return newWithWriter(cfg, version, output)
}

func newWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", service),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// parseLevel defaults to info for unknown names.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
