package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// New builds the process logger: tint on the console locally, JSON
// elsewhere. When logFile is set, records are also appended to it as JSON.
// The returned func closes the file.
func New(env string, level slog.Level, logFile string) (*slog.Logger, func() error) {
	console := consoleHandler(os.Stdout, env, level)
	if logFile == "" {
		return slog.New(NewContextHandler(console)), func() error { return nil }
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(NewContextHandler(console))
		logger.Error("open log file, logging to stdout only", "file", logFile, "error", err)
		return logger, func() error { return nil }
	}
	return NewWithWriters(console, f, level), f.Close
}

// NewWithWriters fans records out to console and a JSON handler on file.
func NewWithWriters(console slog.Handler, file io.Writer, level slog.Level) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(NewContextHandler(slogmulti.Fanout(console, fileHandler)))
}

func consoleHandler(w io.Writer, env string, level slog.Level) slog.Handler {
	if env == "local" {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
