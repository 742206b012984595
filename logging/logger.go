package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines the minimal logging interface for agentbus. This allows
// users to provide their own logger implementation or use the built-in adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// BusLogger wraps slog.Logger adding contextual cloning helpers and domain
// convenience methods. It should be cheap to copy via With* methods.
type BusLogger struct {
	logger        *slog.Logger
	level         LogLevel
	context       map[string]any
	component     string
	agentType     string
	correlationID string
}

// LoggerConfig configures construction of a BusLogger.
type LoggerConfig struct {
	Level         LogLevel
	Format        string // json or text
	Output        io.Writer
	AddSource     bool
	Component     string
	AgentType     string
	CorrelationID string
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, AddSource: true}
}

// NewLogger builds a BusLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *BusLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &BusLogger{
		logger:        slog.New(handler),
		level:         cfg.Level,
		context:       map[string]any{},
		component:     cfg.Component,
		agentType:     cfg.AgentType,
		correlationID: cfg.CorrelationID,
	}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *BusLogger) clone() *BusLogger {
	nl := *l
	nl.context = map[string]any{}
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *BusLogger) WithContext(key string, value any) *BusLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (directory, registry, router, etc.).
func (l *BusLogger) WithComponent(c string) *BusLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithAgent attaches the agent type emitting subsequent entries.
func (l *BusLogger) WithAgent(agentType string) *BusLogger {
	nl := l.clone()
	nl.agentType = agentType
	return nl
}

// WithCorrelation attaches the originating request's correlation identifier.
func (l *BusLogger) WithCorrelation(correlationID string) *BusLogger {
	nl := l.clone()
	nl.correlationID = correlationID
	return nl
}

func (l *BusLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+4)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.agentType != "" {
		attrs = append(attrs, slog.String("agent_type", l.agentType))
	}
	if l.correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", l.correlationID))
	}
	attrs = append(attrs, slog.Time("timestamp", time.Now()))
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *BusLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	attrs := l.buildAttrs()
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Debug logs at debug level.
func (l *BusLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *BusLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *BusLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *BusLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// LogDelegation records the outcome of routing one task delegation.
func (l *BusLogger) LogDelegation(taskID, capability, destination string, routed bool, reason string) {
	attrs := l.buildAttrs()
	attrs = append(attrs,
		slog.String("task_id", taskID),
		slog.String("capability", capability),
		slog.Bool("routed", routed),
	)
	if destination != "" {
		attrs = append(attrs, slog.String("destination", destination))
	}
	level := slog.LevelInfo
	msg := "Delegation routed"
	if !routed {
		level = slog.LevelWarn
		msg = "Delegation unroutable"
		attrs = append(attrs, slog.String("reason", reason))
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogStreamClose records completion of an outbound chunk stream.
func (l *BusLogger) LogStreamClose(messageID string, chunks int, truncated bool, dur time.Duration) {
	attrs := l.buildAttrs()
	attrs = append(attrs,
		slog.String("message_id", messageID),
		slog.Int("chunk_count", chunks),
		slog.Bool("truncated", truncated),
		slog.Duration("duration", dur),
	)
	level := slog.LevelInfo
	msg := "Stream closed"
	if truncated {
		level = slog.LevelWarn
		msg = "Stream truncated"
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogEviction records a directory eviction of a stale descriptor.
func (l *BusLogger) LogEviction(agentType string, lastHeartbeat time.Time, forced bool) {
	attrs := l.buildAttrs()
	attrs = append(attrs,
		slog.String("evicted_agent_type", agentType),
		slog.Time("last_heartbeat", lastHeartbeat),
		slog.Bool("forced", forced),
	)
	l.logger.LogAttrs(context.Background(), slog.LevelWarn, "Agent descriptor evicted", attrs...)
}

// LogRetry records one retry attempt of a task handler.
func (l *BusLogger) LogRetry(taskID string, attempt int, backoff time.Duration, err error) {
	attrs := l.buildAttrs()
	attrs = append(attrs,
		slog.String("task_id", taskID),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", backoff),
	)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(context.Background(), slog.LevelWarn, "Task handler retry", attrs...)
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}
