package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the common structured-logging surface used across the service.
// The default implementation writes JSON to stdout; the OTLP implementation
// ships records to a collector and is swapped in once telemetry is up.
type Logger interface {
	WithComponent(componentName string) *slog.Logger
	WithOperation(operationName string) *slog.Logger
	WithRunID(runID string) *slog.Logger
	WithHierarchy(hierarchyID string) *slog.Logger
	WithStrategy(strategy string) *slog.Logger
	WithError(err error) *slog.Logger
	Logger() *slog.Logger
}

// StandardLogger provides a standardized logging interface.
type StandardLogger struct {
	logger Logger
}

// NewStandardLogger creates a stdout JSON logger at the configured level.
func NewStandardLogger(logLevel string) *StandardLogger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: getSlogLevel(logLevel),
	}))
	return &StandardLogger{logger: &fallbackLogger{logger: logger}}
}

// NewStandardOTLPLogger creates a logger shipping to an OTLP collector,
// degrading to the stdout logger when the exporter cannot be built.
func NewStandardOTLPLogger(config OTLPConfig) *StandardLogger {
	otlpLogger, err := NewOTLPLogger(config)
	if err != nil {
		return NewStandardLogger(config.LogLevel)
	}
	return &StandardLogger{logger: &fallbackLogger{logger: otlpLogger.Logger()}}
}

// SetLogger sets the underlying logger implementation.
func (l *StandardLogger) SetLogger(logger Logger) {
	l.logger = logger
}

// WithComponent creates a logger with component context.
func (l *StandardLogger) WithComponent(componentName string) *slog.Logger {
	return l.logger.WithComponent(componentName)
}

// WithOperation creates a logger with operation context.
func (l *StandardLogger) WithOperation(operationName string) *slog.Logger {
	return l.logger.WithOperation(operationName)
}

// WithRunID creates a logger with reconciliation-run context.
func (l *StandardLogger) WithRunID(runID string) *slog.Logger {
	return l.logger.WithRunID(runID)
}

// WithHierarchy creates a logger with hierarchy context.
func (l *StandardLogger) WithHierarchy(hierarchyID string) *slog.Logger {
	return l.logger.WithHierarchy(hierarchyID)
}

// WithStrategy creates a logger with strategy context.
func (l *StandardLogger) WithStrategy(strategy string) *slog.Logger {
	return l.logger.WithStrategy(strategy)
}

// WithError creates a logger with error context.
func (l *StandardLogger) WithError(err error) *slog.Logger {
	return l.logger.WithError(err)
}

// Logger returns the underlying slog.Logger.
func (l *StandardLogger) Logger() *slog.Logger {
	return l.logger.Logger()
}

type fallbackLogger struct {
	logger *slog.Logger
}

func (f *fallbackLogger) WithComponent(componentName string) *slog.Logger {
	return f.logger.With("component", componentName)
}

func (f *fallbackLogger) WithOperation(operationName string) *slog.Logger {
	return f.logger.With("operation", operationName)
}

func (f *fallbackLogger) WithRunID(runID string) *slog.Logger {
	return f.logger.With("run_id", runID)
}

func (f *fallbackLogger) WithHierarchy(hierarchyID string) *slog.Logger {
	return f.logger.With("hierarchy_id", hierarchyID)
}

func (f *fallbackLogger) WithStrategy(strategy string) *slog.Logger {
	return f.logger.With("strategy", strategy)
}

func (f *fallbackLogger) WithError(err error) *slog.Logger {
	return f.logger.With("error", err)
}

func (f *fallbackLogger) Logger() *slog.Logger {
	return f.logger
}

func getSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
