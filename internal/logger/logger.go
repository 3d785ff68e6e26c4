// Package logger provides structured logging for the lifecycle service
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with lifecycle-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "govlifecycle").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything; used by tests and as the
// default for library components constructed without one.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// GrpcLogger returns a logger for gRPC operations
func (l *Logger) GrpcLogger(method string) *Logger {
	return l.component("grpc", "method", method)
}

// EngineLogger returns a logger for lifecycle engine operations
func (l *Logger) EngineLogger(operation string) *Logger {
	return l.component("engine", "operation", operation)
}

// StoreLogger returns a logger for version chain store operations
func (l *Logger) StoreLogger(operation string) *Logger {
	return l.component("store", "operation", operation)
}

// RelayLogger returns a logger for the audit outbox relay
func (l *Logger) RelayLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "audit_relay").Logger()}
}

func (l *Logger) component(name, key, value string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", name).
			Str(key, value).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC request. Call it on a GrpcLogger so
// the line carries the method.
func (l *Logger) LogGrpcRequest(duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogTransition logs the outcome of one lifecycle transition
func (l *Logger) LogTransition(kind, versionID, from, to string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Warn().Err(err)
	}
	event.
		Str("kind", kind).
		Str("version_id", versionID).
		Str("from", from).
		Str("to", to).
		Dur("duration_ms", duration).
		Msg("Lifecycle transition completed")
}

// LogIntegrityViolation logs a checksum mismatch on a committed version.
// Always logged at error level; these are never retried.
func (l *Logger) LogIntegrityViolation(versionID, stored, computed string) {
	l.zlog.Error().
		Str("event", "integrity_violation").
		Bool("data_corruption", true).
		Str("version_id", versionID).
		Str("stored_checksum", stored).
		Str("computed_checksum", computed).
		Msg("Stored content does not match its checksum")
}

// LogDbOperation logs a store operation. Call it on a StoreLogger.
func (l *Logger) LogDbOperation(duration time.Duration, recordCount int, err error) {
	event := l.zlog.Debug()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Dur("duration_ms", duration).
		Int("record_count", recordCount).
		Msg("Store operation completed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, driver string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("store_driver", driver).
		Msg("Lifecycle server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("Lifecycle server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("Lifecycle server shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
