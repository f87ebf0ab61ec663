package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog logger. format is "json" (default) or
// "text"; level is debug, info (default), warn or error.
func Init(service, format, level string) *slog.Logger {
	return initTo(os.Stdout, service, format, level)
}

func initTo(w io.Writer, service, format, level string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))

	lvl := slog.LevelInfo
	badLevel := false
	if level = strings.TrimSpace(level); level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl, badLevel = slog.LevelInfo, true
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, using json", "format", format)
	}
	if badLevel {
		logger.Warn("unknown log level, using info", "level", level)
	}
	return logger
}
