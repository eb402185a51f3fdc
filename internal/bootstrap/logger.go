// Package bootstrap wires process-wide concerns of the patcher CLI.
package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/isseis/go-patch-engine/internal/logging"
	"github.com/isseis/go-patch-engine/internal/terminal"
)

// LoggerConfig holds the logger settings of one run.
type LoggerConfig struct {
	Level slog.Level
	// LogDir, when set, receives a JSON log file named after the run.
	LogDir string
	RunID  string
	// Console defaults to os.Stderr.
	Console  io.Writer
	Terminal terminal.Options
	// Capabilities overrides detection from Terminal.
	Capabilities terminal.Capabilities
}

// Logger is the result of SetupLogger.
type Logger struct {
	*slog.Logger
	Capabilities terminal.Capabilities
	LogFile      *logging.LogFile
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.LogFile == nil {
		return nil
	}
	return l.LogFile.Close()
}

// SetupLogger builds the console and file handlers of a run and installs
// the result as the slog default. It must be called once, before any
// component logs.
func SetupLogger(cfg LoggerConfig) (*Logger, error) {
	if cfg.RunID == "" {
		cfg.RunID = logging.GenerateRunID()
	}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = terminal.NewCapabilities(cfg.Terminal)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	var logFile *logging.LogFile
	if cfg.LogDir != "" {
		logFile, err = logging.OpenLogFile(cfg.LogDir, logging.LogFileName(hostname, time.Now(), cfg.RunID))
		if err != nil {
			return nil, err
		}
	}

	interactive, err := logging.NewInteractiveHandler(console, caps, logging.InteractiveOptions{
		Level:   cfg.Level,
		LogFile: logFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create interactive handler: %w", err)
	}
	text, err := logging.NewConditionalTextHandler(console, caps, &slog.HandlerOptions{Level: cfg.Level})
	if err != nil {
		return nil, fmt.Errorf("failed to create text handler: %w", err)
	}
	handlers := []slog.Handler{interactive, text}

	if logFile != nil {
		// Always debug: the file is the detailed record of the run.
		jsonHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}).
			WithAttrs([]slog.Attr{
				slog.String("hostname", hostname),
				slog.Int("pid", os.Getpid()),
				slog.String("run_id", cfg.RunID),
			})
		handlers = append(handlers, jsonHandler)
	}

	logger := slog.New(logging.NewMultiHandler(handlers...))
	slog.SetDefault(logger)

	logger.Debug("Logger initialized",
		"level", cfg.Level,
		"log_dir", cfg.LogDir,
		"run_id", cfg.RunID,
		"interactive", caps.IsInteractive(),
		"color", caps.SupportsColor())

	return &Logger{Logger: logger, Capabilities: caps, LogFile: logFile}, nil
}

// ParseLevel converts a level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}
