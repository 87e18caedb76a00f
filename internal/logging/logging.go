// Package logging configures the shared slog logger for the defense core.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath enables rotated file output in addition to stdout when set.
	FilePath string
	// MaxSizeMB is the rotation threshold for the log file.
	MaxSizeMB int
}

// New builds a JSON slog logger writing to stdout and, when configured, a
// rotated log file. The returned closer is nil when no file is in use.
func New(opts Options) (*slog.Logger, io.Closer) {
	level := parseLevel(opts.Level)

	var writer io.Writer = os.Stdout
	var closer io.Closer
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		lj := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: 3,
		}
		writer = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}))
	return logger, closer
}

func parseLevel(level string) slog.Level {
	switch level {
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
