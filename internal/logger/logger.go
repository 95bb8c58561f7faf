// Package logger is a thin leveled wrapper over log/slog shared by every
// component. It exists so call sites can write logger.Info("msg", "key", val)
// without threading a *slog.Logger through every constructor, and so the
// level and format can be flipped at runtime (the doctor and tests do this).
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu       sync.RWMutex
	output   io.Writer = os.Stderr
	levelVar           = new(slog.LevelVar)
	format             = "text"
	slogger            = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
)

func reconfigure() {
	opts := &slog.HandlerOptions{Level: levelVar}
	if format == "json" {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
	} else {
		slogger = slog.New(slog.NewTextHandler(output, opts))
	}
}

// Init applies the given configuration. Empty fields keep their current value.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", cfg.Output, err)
		}
		output = f
	}

	if cfg.Level != "" {
		levelVar.Set(parseLevel(cfg.Level))
	}
	if f := strings.ToLower(cfg.Format); f == "text" || f == "json" {
		format = f
	}
	reconfigure()
	return nil
}

// InitWithWriter points the logger at a custom writer. Used by tests.
func InitWithWriter(w io.Writer, level, logFormat string) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	if level != "" {
		levelVar.Set(parseLevel(level))
	}
	if f := strings.ToLower(logFormat); f == "text" || f == "json" {
		format = f
	}
	reconfigure()
}

// SetLevel sets the minimum level. Invalid values are ignored.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at DEBUG level with alternating key-value args.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs at INFO level with alternating key-value args.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at WARN level with alternating key-value args.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at ERROR level with alternating key-value args.
func Error(msg string, args ...any) { get().Error(msg, args...) }
